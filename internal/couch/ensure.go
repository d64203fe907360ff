package couch

import (
	"context"
	"net/http"
	"net/url"

	"zeitgate.org/internal/obs"
)

// Databases names the three collections the tracker uses.
type Databases struct {
	Times string
	Users string
	Audit string
}

// Ensure creates the databases and their query indexes if missing. It is
// idempotent and safe to run on every startup.
func (c *Client) Ensure(ctx context.Context, dbs Databases) error {
	var existing []string
	if err := c.do(ctx, http.MethodGet, "/_all_dbs", nil, &existing); err != nil {
		return err
	}
	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}
	for _, name := range []string{dbs.Times, dbs.Users, dbs.Audit} {
		if _, ok := present[name]; ok {
			continue
		}
		if err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(name), nil, nil); err != nil {
			// A concurrent instance may have won the race.
			if !IsStatus(err, http.StatusPreconditionFailed) {
				return err
			}
		}
	}

	indexes := []struct {
		db     string
		name   string
		fields []string
	}{
		{dbs.Users, "idx_users_email", []string{"email"}},
		{dbs.Times, "idx_times_date", []string{"date"}},
		{dbs.Times, "idx_times_employeeId", []string{"employeeId"}},
		{dbs.Audit, "idx_audit_ts", []string{"ts"}},
	}
	for _, idx := range indexes {
		body := map[string]any{
			"index": map[string]any{"fields": idx.fields},
			"name":  idx.name,
			"type":  "json",
		}
		// Index creation failures are non-fatal: queries still work, just
		// without the index.
		if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(idx.db)+"/_index", body, nil); err != nil {
			obs.Warn("index creation failed", map[string]any{
				"db":    idx.db,
				"index": idx.name,
				"error": err.Error(),
			})
		}
	}
	return nil
}
