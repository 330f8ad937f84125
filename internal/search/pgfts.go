package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and folders using
// plainto_tsquery and ts_rank, with ts_headline for snippets. Rows are
// restricted to q.AccessibleFolders inside the SQL, so hidden folders
// never reach the result set.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	folderSet := func() (string, bool) {
		if len(q.AccessibleFolders) == 0 {
			return "", false
		}
		marks := make([]string, len(q.AccessibleFolders))
		for i, id := range q.AccessibleFolders {
			marks[i] = fmt.Sprintf("$%d", argN)
			args = append(args, id)
			argN++
		}
		return strings.Join(marks, ", "), true
	}

	var subQueries []string

	// Documents sub-query
	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery

		var scopes []string
		if q.IncludeUnfiled {
			scopes = append(scopes, "d.folder_id IS NULL")
		}
		if set, ok := folderSet(); ok {
			scopes = append(scopes, fmt.Sprintf("d.folder_id IN (%s)", set))
		}
		if len(scopes) == 0 {
			scopes = append(scopes, "FALSE")
		}
		docWhere += " AND (" + strings.Join(scopes, " OR ") + ")"

		if q.FilterFolderID != "" {
			docWhere += fmt.Sprintf(" AND d.folder_id = $%d", argN)
			args = append(args, q.FilterFolderID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.name,
				ts_headline('english', coalesce(d.file_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				coalesce(d.folder_id, '') AS folder_id,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	// Folders sub-query
	if (q.FilterType == "" || q.FilterType == ResultFolder) && q.FilterFolderID == "" {
		fWhere := "f.fts @@ " + tsQuery
		if set, ok := folderSet(); ok {
			fWhere += fmt.Sprintf(" AND f.id IN (%s)", set)
		} else {
			fWhere += " AND FALSE"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'folder'::text AS type, f.id, f.name,
				''::text AS snippet,
				''::text AS folder_id,
				ts_rank(f.fts, %s) AS rank
			FROM folders f
			WHERE %s`, tsQuery, fWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, name, snippet, folder_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Name, &r.Snippet, &r.FolderID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []FolderRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, file_name, coalesce(folder_id, ''), ingest_status
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Name, &d.FileName, &d.FolderID, &d.IngestStatus); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	folderRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, visibility
		FROM folders
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load folders: %w", err)
	}
	defer folderRows.Close()

	folders := make([]FolderRecord, 0)
	for folderRows.Next() {
		var f FolderRecord
		if err := folderRows.Scan(&f.ID, &f.Name, &f.Visibility); err != nil {
			return nil, nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	if err := folderRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate folders: %w", err)
	}

	return documents, folders, nil
}
