package asset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAsset() Asset {
	return Asset{
		ID:      "a1",
		Name:    "profile",
		Version: "1",
		Host:    "backend.local",
		Port:    8080,
		Path:    "/users/profile",
		Method:  "user.getProfile",
		Mode:    ModeHTTP,
		Type:    VerbGet,
	}
}

func TestAsset_URL(t *testing.T) {
	a := validAsset()
	assert.Equal(t, "http://backend.local:8080/users/profile", a.URL())

	a.Port = 0
	a.Path = "users"
	a.Scheme = "https"
	assert.Equal(t, "https://backend.local/users", a.URL())
}

func TestAsset_Equality(t *testing.T) {
	a := validAsset()
	b := validAsset()
	b.Host = "other"
	assert.True(t, a.Equal(&b), "assets with the same id are equal")

	b.ID = "a2"
	assert.False(t, a.Equal(&b))
	assert.Equal(t, "a1", a.Key())
}

func TestAsset_Normalize(t *testing.T) {
	a := Asset{ID: "x", Method: "m", Host: "h", Mode: "http", Type: "post"}
	a.Normalize()

	assert.Equal(t, ModeHTTP, a.Mode)
	assert.Equal(t, VerbPost, a.Type)
	assert.Equal(t, 10000, a.Timeout)
	assert.Equal(t, 10*time.Second, a.TimeoutDuration())
	assert.Equal(t, BalanceRandom, a.Balance)
	assert.Equal(t, 1, a.EffectiveWeight())
}

func TestAsset_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Asset)
		wantErr bool
	}{
		{"valid", func(a *Asset) {}, false},
		{"missing id", func(a *Asset) { a.ID = "" }, true},
		{"missing method", func(a *Asset) { a.Method = "" }, true},
		{"unknown mode", func(a *Asset) { a.Mode = "GRPC" }, true},
		{"unknown type", func(a *Asset) { a.Type = "FETCH" }, true},
		{"missing host", func(a *Asset) { a.Host = "" }, true},
		{"mq without host", func(a *Asset) { a.Host = ""; a.Mode = ModeMQ }, false},
		{"stdio without command", func(a *Asset) { a.Mode = ModeSTDIO }, true},
		{"token out of range", func(a *Asset) { a.Token = 2 }, true},
		{"negative retries", func(a *Asset) { a.Retries = -1 }, true},
		{"bad balance", func(a *Asset) { a.Balance = "hash" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAsset()
			tt.mutate(&a)
			err := a.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerb_Idempotent(t *testing.T) {
	for _, v := range []Verb{VerbGet, VerbHead, VerbOptions} {
		assert.True(t, v.Idempotent(), v)
	}
	for _, v := range []Verb{VerbPost, VerbPut, VerbPatch, VerbDelete, VerbTrace} {
		assert.False(t, v.Idempotent(), v)
	}
}

func TestAsset_MetadataAndArgs(t *testing.T) {
	a := validAsset()
	a.Metadata = `{"subject":"orders.created","reply":true}`
	meta, err := a.MetadataMap()
	require.NoError(t, err)
	assert.Equal(t, "orders.created", meta["subject"])
	assert.Equal(t, true, meta["reply"])

	a.Metadata = "{broken"
	_, err = a.MetadataMap()
	assert.Error(t, err)

	a.Args = `["--port", "9000"]`
	args, err := a.ArgList()
	require.NoError(t, err)
	assert.Equal(t, []string{"--port", "9000"}, args)

	a.Args = "-y  @modelcontextprotocol/server-everything"
	args, err = a.ArgList()
	require.NoError(t, err)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-everything"}, args)
}

func TestAsset_ReplicaCompatible(t *testing.T) {
	a := validAsset()
	b := validAsset()
	b.ID = "a2"
	b.Host = "replica"
	assert.True(t, a.ReplicaCompatible(&b))

	b.Token = 1
	assert.False(t, a.ReplicaCompatible(&b))
}
