package cmd

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/config"
)

func TestOpenAudit_ChainSurvivesRestart(t *testing.T) {
	mem := afero.NewMemMapFs()
	path := "/var/lib/ironca/audit.jsonl"
	quiet := slog.New(slog.DiscardHandler)

	for _, event := range []audit.Event{audit.EventCACreated, audit.EventCRLGenerated} {
		sink, closeAudit, err := openAudit(mem, path, quiet)
		require.NoError(t, err)
		sink.Record(t.Context(), audit.Entry{Event: event, CAID: "ca-1"})
		sink.Record(t.Context(), audit.Entry{Event: audit.EventCertIssued, CAID: "ca-1"})
		require.NoError(t, closeAudit())
	}

	result, err := verifyFile(mem, path)
	require.NoError(t, err)
	assert.Equal(t, 4, result.EntryCount)
	assert.True(t, result.Valid, "%+v", result.Checks)
}

func TestOpenAudit_RejectsCorruptLog(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/audit.jsonl", []byte("{oops\n"), 0o600))
	_, _, err := openAudit(mem, "/audit.jsonl", slog.New(slog.DiscardHandler))
	assert.ErrorContains(t, err, "line 1")
}

func TestOpenStore(t *testing.T) {
	c := config.Default()
	c.Storage.Driver = config.DriverMemory
	store, closeStore, err := openStore(afero.NewMemMapFs(), &c)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, closeStore())

	c.Storage.Driver = config.DriverBolt
	c.Storage.Path = filepath.Join(t.TempDir(), "data", "ironca.db")
	store, closeStore, err = openStore(afero.NewOsFs(), &c)
	require.NoError(t, err)
	cas, err := store.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, cas)
	require.NoError(t, closeStore())
}

func TestNewRuntime(t *testing.T) {
	c := config.Default()
	c.Storage.Driver = config.DriverMemory
	rt, err := newRuntime(afero.NewMemMapFs(), &c, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NotNil(t, rt.svc)
	require.NoError(t, rt.Close())

	c.Issuance.KeyAlgorithm = "DSA-1024"
	_, err = newRuntime(afero.NewMemMapFs(), &c, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}
