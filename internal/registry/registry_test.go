package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

func httpAsset(id, method, version string) asset.Asset {
	return asset.Asset{
		ID:      id,
		Method:  method,
		Version: version,
		Host:    "backend-" + id,
		Port:    8080,
		Mode:    asset.ModeHTTP,
		Type:    asset.VerbGet,
	}
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := New("1.0")
	_, ok := r.Lookup("user.getProfile", "1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReloadAndLookup(t *testing.T) {
	r := New("1.0")
	require.NoError(t, r.Reload([]asset.Asset{
		httpAsset("a1", "user.getProfile", "1"),
		httpAsset("a2", "user.getProfile", "2"),
		httpAsset("a3", "order.list", ""),
	}))

	a, ok := r.Lookup("user.getProfile", "1")
	require.True(t, ok)
	assert.Equal(t, "a1", a.ID)

	a, ok = r.Lookup("user.getProfile", "2")
	require.True(t, ok)
	assert.Equal(t, "a2", a.ID)

	a, ok = r.Lookup("order.list", "1.0")
	require.True(t, ok, "empty version indexes under the default")
	assert.Equal(t, "a3", a.ID)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(1), r.Version())
}

func TestRegistry_Replicas(t *testing.T) {
	r := New("1.0")
	require.NoError(t, r.Reload([]asset.Asset{
		httpAsset("b", "user.get", "1"),
		httpAsset("a", "user.get", "1"),
	}))

	route, ok := r.Route("user.get", "1")
	require.True(t, ok)
	assert.Equal(t, "a", route.Asset.ID, "smallest id is canonical")
	require.Len(t, route.Replicas, 2)
	assert.Equal(t, "a", route.Replicas[0].ID)
	assert.Equal(t, "b", route.Replicas[1].ID)
}

func TestRegistry_ReloadRejectsConflicts(t *testing.T) {
	r := New("1.0")
	require.NoError(t, r.Reload([]asset.Asset{httpAsset("keep", "x", "1")}))

	secured := httpAsset("b", "user.get", "1")
	secured.Token = 1

	tests := []struct {
		name   string
		assets []asset.Asset
	}{
		{"duplicate id", []asset.Asset{httpAsset("a", "m1", "1"), httpAsset("a", "m2", "1")}},
		{"incompatible replica", []asset.Asset{httpAsset("a", "user.get", "1"), secured}},
		{"invalid asset", []asset.Asset{{ID: "nohost", Method: "m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, r.Reload(tt.assets))
			_, ok := r.Lookup("x", "1")
			assert.True(t, ok, "failed reload keeps the previous catalog")
			assert.Equal(t, uint64(1), r.Version())
		})
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New("1.0")
	in := []asset.Asset{httpAsset("a1", "m", "1")}
	require.NoError(t, r.Reload(in))

	in[0].Host = "mutated"
	a, _ := r.Lookup("m", "1")
	assert.Equal(t, "backend-a1", a.Host)

	snap := r.Snapshot()
	snap[0].Host = "mutated"
	a, _ = r.Lookup("m", "1")
	assert.Equal(t, "backend-a1", a.Host)
}

// Readers running during reloads must see either catalog A or catalog B in full.
func TestRegistry_ConcurrentReloadConsistency(t *testing.T) {
	const methods = 50

	catalog := func(tag string) []asset.Asset {
		out := make([]asset.Asset, methods)
		for i := range out {
			out[i] = httpAsset(fmt.Sprintf("%s-%03d", tag, i), fmt.Sprintf("m%d", i), "1")
		}
		return out
	}
	catA, catB := catalog("A"), catalog("B")

	r := New("1.0")
	require.NoError(t, r.Reload(catA))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				_ = r.Reload(catB)
			} else {
				_ = r.Reload(catA)
			}
		}
	}()

	errs := make(chan error, 8)
	var readers sync.WaitGroup
	for w := 0; w < 8; w++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for n := 0; n < 500; n++ {
				snap := r.Snapshot()
				if len(snap) != methods {
					errs <- fmt.Errorf("snapshot size %d", len(snap))
					return
				}
				tag := snap[0].ID[:1]
				for _, a := range snap {
					if a.ID[:1] != tag {
						errs <- errors.New("mixed snapshot observed")
						return
					}
				}
			}
		}()
	}
	readers.Wait()
	cancel()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
assets:
  - id: a1
    method: user.get
    host: backend
    mode: http
`), 0o644))

	listPath := filepath.Join(dir, "list.yaml")
	require.NoError(t, os.WriteFile(listPath, []byte(`
- id: a2
  method: user.put
  host: backend
  type: put
`), 0o644))

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id":"a3","method":"order.list","host":"backend"}]`), 0o644))

	for path, want := range map[string]string{yamlPath: "a1", listPath: "a2", jsonPath: "a3"} {
		assets, err := NewFileSource(path).Load(context.Background())
		require.NoError(t, err, path)
		require.Len(t, assets, 1)
		assert.Equal(t, want, assets[0].ID)
	}

	_, err := NewFileSource(filepath.Join(dir, "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestRedisSource(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	ctx := context.Background()

	src := NewRedisSource(client, "vortex:assets")
	require.NoError(t, src.Put(ctx, httpAsset("b", "m2", "1")))
	require.NoError(t, src.Put(ctx, httpAsset("a", "m1", "1")))

	assets, err := src.Load(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "a", assets[0].ID)
	assert.Equal(t, "b", assets[1].ID)

	require.NoError(t, src.Delete(ctx, "a"))
	assets, err = src.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, assets, 1)

	s.HSet("vortex:assets", "broken", "{not json")
	_, err = src.Load(ctx)
	assert.Error(t, err)
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: got %d destinations, want %d", len(dest), len(r))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r[i].(string)
		default:
			if s, ok := d.(interface{ Scan(any) error }); ok {
				if err := s.Scan(r[i]); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanAsset(t *testing.T) {
	row := fakeRow{
		"a1", "profile", "1", "backend", int64(8080), "/profile", nil, "user.getProfile", "HTTP", "GET",
		int64(1), int64(0), nil, int64(2), "round_robin", int64(3), int64(2000),
		int64(5), int64(1000), nil, nil, `{"subject":"x"}`,
	}

	a, err := scanAsset(row)
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "user.getProfile", a.Method)
	assert.Equal(t, 8080, a.Port)
	assert.Equal(t, asset.ModeHTTP, a.Mode)
	assert.True(t, a.RequiresToken())
	assert.Equal(t, 2, a.Retries)
	assert.Equal(t, "round_robin", a.Balance)
	assert.Equal(t, 5, a.RateCapacity)
	assert.Empty(t, a.Scheme)
	assert.Equal(t, `{"subject":"x"}`, a.Metadata)
}

func TestNewPostgresSource_RejectsBadTable(t *testing.T) {
	_, err := NewPostgresSource(nil, "assets; drop table x")
	assert.Error(t, err)
}

type stubSource struct {
	assets []asset.Asset
	err    error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Load(context.Context) ([]asset.Asset, error) { return s.assets, s.err }

func TestRefresher(t *testing.T) {
	r := New("1.0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hookErr error
	src := &stubSource{assets: []asset.Asset{httpAsset("a1", "m", "1")}}
	ref := NewRefresher(r, src, 0, logger, WithReloadHook(func(_ string, _ int, err error) { hookErr = err }))

	require.NoError(t, ref.Refresh(context.Background()))
	assert.Equal(t, 1, r.Len())

	src.err = errors.New("source down")
	require.Error(t, ref.Refresh(context.Background()))
	assert.Error(t, hookErr)
	assert.Equal(t, 1, r.Len(), "failed refresh keeps the catalog")

	ref.SetSource(NewStaticSource(nil))
	require.NoError(t, ref.Refresh(context.Background()))
	assert.Equal(t, 0, r.Len())
}
