package search

// ChangeRecord is the data we index for one change.
type ChangeRecord struct {
	ID        string `json:"id"` // change number, as text
	Project   string `json:"project"`
	ChangeKey string `json:"changeKey"`
	Branch    string `json:"branch"`
	Subject   string `json:"subject"`
	Topic     string `json:"topic"`
	Status    string `json:"status"`
	Owner     string `json:"owner"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ChangeNumber int64  `json:"changeNumber"`
	Project      string `json:"project"`
	ChangeKey    string `json:"changeKey"`
	Branch       string `json:"branch"`
	Subject      string `json:"subject"`
	Snippet      string `json:"snippet"`
	Status       string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterProject string
	FilterStatus  string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over changes.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
