package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type            ResultType `json:"type"`
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Snippet         string     `json:"snippet"`
	ProjectID       string     `json:"projectId"`
	VersionFilename string     `json:"versionFilename,omitempty"`
}

// Query describes a search request. ProjectIDs scopes results to projects
// the caller can access; an empty list matches nothing.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ProjectIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID              string `json:"id"`
	Body            string `json:"body"`
	ProjectID       string `json:"projectId"`
	VersionFilename string `json:"versionFilename"`
}
