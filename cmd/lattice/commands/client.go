package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/roasbeef/lattice/internal/db"
)

// adminTimeout bounds each admin HTTP request.
const adminTimeout = 5 * time.Second

// adminGet fetches a JSON document from the daemon's admin server and
// decodes it into out.
func adminGet(path string, params url.Values, out any) error {
	u := adminURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	client := &http.Client{Timeout: adminTimeout}
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("unable to reach latticed admin server "+
			"at %s: %w", adminURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("admin server returned %s: %s",
			resp.Status, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// openDB opens the daemon's database directly for commands that read
// durable tables without a running daemon.
func openDB() (*db.Store, error) {
	path := dbPath
	if path == "" {
		var err error
		path, err = db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	return db.Open(path)
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	return nil
}
