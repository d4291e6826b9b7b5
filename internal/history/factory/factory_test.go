package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procguard/internal/history/clickhouse"
	"github.com/loykin/procguard/internal/history/opensearch"
	"github.com/loykin/procguard/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
		wantType    any
	}{
		{"Empty DSN", "", true, nil},
		{"Invalid scheme", "invalid://test", true, nil},
		{"OpenSearch DSN", "opensearch://localhost:9200/procguard", false, &opensearch.Sink{}},
		{"OpenSearch without host", "opensearch:///idx", true, nil},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false, &sqlite.Sink{}},
		{"SQLite memory DSN", "sqlite://:memory:", false, &sqlite.Sink{}},
		{"SQLite bare path", filepath.Join(dir, "b.db"), false, &sqlite.Sink{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, sink)
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want clickhouse.Options
	}{
		{"clickhouse://localhost:9000?table=events", clickhouse.Options{Addr: "localhost:9000", Table: "events"}},
		{"clickhouse://u:p@ch:9440/audit", clickhouse.Options{Addr: "ch:9440", Database: "audit", Username: "u", Password: "p"}},
		{"clickhouse://", clickhouse.Options{Addr: "localhost:9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := parseClickHouseDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/process-logs", "http://localhost:9200", "process-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", "procguard-history"},
		{"opensearch+https://search:443/logs", "https://search:443", "logs"},
		{"elasticsearch://localhost:9200/events", "http://localhost:9200", "events"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			base, index, err := parseOpenSearchDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.index, index)
		})
	}
}

func TestNewMultiFromDSNs(t *testing.T) {
	dir := t.TempDir()
	m, err := NewMultiFromDSNs(nil, []string{filepath.Join(dir, "h.db"), "opensearch://localhost:9200/x"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	require.NoError(t, m.Close())

	_, err = NewMultiFromDSNs(nil, []string{filepath.Join(dir, "h2.db"), "bogus://x"})
	assert.ErrorIs(t, err, ErrUnsupportedDSN)
}
