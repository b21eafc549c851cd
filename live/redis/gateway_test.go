// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package redis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/internal/testcontext"
	"updraft.dev/updraft/internal/testredis"
	"updraft.dev/updraft/live/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := testredis.Start(t)

	gateway, err := OpenGateway(ctx, server.Addr(), "", 1)
	require.NoError(t, err)
	defer ctx.Check(gateway.Close)

	testsuite.RunTests(t, gateway)
}

func TestInvalidConnection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := OpenGateway(ctx, "127.0.0.1:0", "", 0)
	require.Error(t, err)
}

func TestOpenGatewayFrom(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := testredis.Start(t)

	gateway, err := OpenGatewayFrom(ctx, "redis://"+server.Addr()+"?db=1")
	require.NoError(t, err)
	defer ctx.Check(gateway.Close)
	require.NoError(t, gateway.Ping(ctx))

	_, err = OpenGatewayFrom(ctx, "http://"+server.Addr())
	require.Error(t, err)

	_, err = OpenGatewayFrom(ctx, "redis://"+server.Addr()+"?db=notanumber")
	require.Error(t, err)
}
