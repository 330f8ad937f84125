package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultFolder   ResultType = "folder"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Snippet  string     `json:"snippet"`
	FolderID string     `json:"folderId,omitempty"`
}

// Query describes a search request. AccessibleFolders is the set of
// folder IDs the caller may see, computed by the server from the
// session, never taken from the request. IncludeUnfiled allows hits on
// documents that sit outside any folder.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterFolderID    string
	Limit             int
	Offset            int
	AccessibleFolders []string
	IncludeUnfiled    bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexFolder(f FolderRecord) error
	DeleteDocument(id string) error
	DeleteFolder(id string) error
}

// DocumentRecord is the metadata we index for a document. File
// contents are never indexed here; the workflow engine owns those.
type DocumentRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FileName     string `json:"fileName"`
	FolderID     string `json:"folderId"`
	IngestStatus string `json:"ingestStatus"`
}

// FolderRecord is the metadata we index for a folder.
type FolderRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}
