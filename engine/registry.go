package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// maxRegistrySize caps how much of a remote registry is read.
const maxRegistrySize = 32 << 20

// LoadRegistry resolves the rule-set registry reference. The reference is a
// file path or an http(s) URL; the content must be JSON and is passed to the
// engine untouched. An empty reference yields an empty object.
func LoadRegistry(ctx context.Context, ref string) (json.RawMessage, error) {
	if ref == "" {
		return json.RawMessage(`{}`), nil
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err = fetchRegistry(ctx, ref)
	} else {
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", ref, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("registry %s is not valid JSON", ref)
	}
	return json.RawMessage(data), nil
}

func fetchRegistry(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRegistrySize))
}
