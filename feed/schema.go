package feed

// Schema is the shape a controller declares a topic in.
type Schema struct {
	Topic       Topic             `json:"topic" yaml:"topic"`
	DatasetInfo DatasetDescriptor `json:"datasetInfo" yaml:"datasetInfo"`
}

// DefaultSchema returns an example Schema.
func DefaultSchema() Schema {
	return Schema{
		Topic: "users",
		DatasetInfo: DatasetDescriptor{
			Name: "users",
			Params: Params{
				"page":     1,
				"pageSize": 20,
			},
		},
	}
}
