package db_fetcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/golang/glog"

	"github.com/admediary/bidgate/errortypes"
	"github.com/admediary/bidgate/storedconfigs"
)

const defaultQuery = `SELECT id, type, config FROM demand_sources WHERE enabled = true`

// NewFetcher returns a Fetcher which reads demand sources from a Postgres
// database. The query must project (id, type, config) for enabled records only.
func NewFetcher(db *sql.DB, query string) storedconfigs.Fetcher {
	if db == nil {
		glog.Fatalf("The Postgres demand-source fetcher requires a database connection. Please report this as a bug.")
	}
	if query == "" {
		query = defaultQuery
	}
	return &dbFetcher{db: db, query: query}
}

type dbFetcher struct {
	db    *sql.DB
	query string
}

func (fetcher *dbFetcher) FetchDemandSources(ctx context.Context) ([]storedconfigs.StoredDemandSource, error) {
	rows, err := fetcher.db.QueryContext(ctx, fetcher.query)
	if err != nil {
		return nil, &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("demand-source query failed: %v", err)}
	}
	defer func() {
		if err := rows.Close(); err != nil {
			glog.Errorf("error closing DB rows: %v", err)
		}
	}()

	var sources []storedconfigs.StoredDemandSource
	for rows.Next() {
		var id, partnerType string
		var config json.RawMessage
		if err := rows.Scan(&id, &partnerType, &config); err != nil {
			glog.Errorf("error scanning demand-source row: %v", err)
			continue
		}
		sources = append(sources, storedconfigs.StoredDemandSource{
			ID:      id,
			Type:    partnerType,
			Enabled: true,
			Config:  config,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &errortypes.ConfigStoreUnavailable{Message: fmt.Sprintf("demand-source row iteration failed: %v", err)}
	}

	return sources, nil
}
