package models

// QueryResult is the tabular outcome of an ad hoc query against a database.
type QueryResult struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	CommandTag string   `json:"commandTag"`
}
