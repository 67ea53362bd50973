package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/api"
	"github.com/cuemby/tenantd/pkg/config"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfig(t *testing.T, c *config.Config, strict bool) {
	t.Helper()
	prevCfg, prevStrict := cfg, requireServer
	cfg, requireServer = c, strict
	t.Cleanup(func() { cfg, requireServer = prevCfg, prevStrict })
}

func testNode(name string) *types.Node {
	return &types.Node{
		Name:     name,
		Address:  "10.0.0.11",
		Capacity: types.NodeCapacity{CPUCores: 8, RAMMB: 32768, StorageGB: 500, MaxSlots: 20},
	}
}

func TestCommandsUseRunningServeWhileItHoldsTheStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	// serve holds the bolt file for its whole lifetime
	held, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Close() })
	srv := httptest.NewServer(api.NewServer(api.NewService(held, registry.New(held, nil)), api.ServerConfig{}).Handler())
	t.Cleanup(srv.Close)

	c := config.Default()
	c.Store.DataDir = dir
	c.Server.URL = srv.URL
	useConfig(t, c, false)

	for _, name := range []string{"node-1", "node-2"} {
		err := withControlPlane(context.Background(), func(cp api.ControlPlane) error {
			_, remote := cp.(*api.Client)
			assert.True(t, remote, "expected the running serve to be used")
			_, err := cp.RegisterNode(context.Background(), testNode(name))
			return err
		})
		require.NoError(t, err)
	}

	nodes, err := held.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestCommandsFallBackToStoreWithoutServe(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	c := config.Default()
	c.Store.DataDir = t.TempDir()
	c.Server.URL = closed.URL
	useConfig(t, c, false)

	err := withControlPlane(context.Background(), func(cp api.ControlPlane) error {
		_, local := cp.(*api.Service)
		assert.True(t, local, "expected the store to be opened in process")
		_, err := cp.RegisterNode(context.Background(), testNode("node-1"))
		return err
	})
	require.NoError(t, err)

	// the store was released, so the next command can open it again
	err = withControlPlane(context.Background(), func(cp api.ControlPlane) error {
		nodes, err := cp.ListNodes(context.Background())
		assert.Len(t, nodes, 1)
		return err
	})
	require.NoError(t, err)
}

func TestExplicitServerIsRequired(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	c := config.Default()
	c.Store.DataDir = t.TempDir()
	c.Server.URL = closed.URL
	useConfig(t, c, true)

	called := false
	err := withControlPlane(context.Background(), func(cp api.ControlPlane) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.False(t, called)
}

func TestRejectedAPIKeyIsNotMaskedByFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv := httptest.NewServer(api.NewServer(api.NewService(store, registry.New(store, nil)), api.ServerConfig{APIKey: "secret"}).Handler())
	t.Cleanup(srv.Close)

	c := config.Default()
	c.Store.DataDir = t.TempDir()
	c.Server.URL = srv.URL
	c.Server.APIKey = "wrong"
	useConfig(t, c, false)

	err = withControlPlane(context.Background(), func(cp api.ControlPlane) error { return nil })
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
}
