// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/sngateway/system"
)

func TestNewHTTPStats(t *testing.T) {
	l := NewHTTPStats(basicConfig, nil)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPStatsTLSProtocol(t *testing.T) {
	l := NewHTTPStats(tlsConfig, new(system.Info))
	require.NoError(t, l.Init(logger))
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPStatsInit(t *testing.T) {
	sysInfo := new(system.Info)
	l := NewHTTPStats(basicConfig, sysInfo)
	require.NoError(t, l.Init(logger))

	require.Equal(t, sysInfo, l.sysInfo)
	require.NotNil(t, l.listen)
	require.NotNil(t, l.registry)
	require.Equal(t, testAddr, l.listen.Addr)
}

func TestHTTPStatsJSONHandler(t *testing.T) {
	sysInfo := &system.Info{
		Version:         "test",
		PacketsReceived: 12,
	}

	l := NewHTTPStats(basicConfig, sysInfo)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	v := new(system.Info)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	require.Equal(t, "test", v.Version)
	require.Equal(t, int64(12), v.PacketsReceived)
}

func TestHTTPStatsMetricsHandler(t *testing.T) {
	sysInfo := &system.Info{
		Version:        "test",
		Advertisements: 3,
	}

	l := NewHTTPStats(basicConfig, sysInfo)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), system.Namespace+"_advertisements 3")
	require.Contains(t, w.Body.String(), system.Namespace+"_build_info")
}

func TestHTTPStatsServeAndClose(t *testing.T) {
	l := NewHTTPStats(basicConfig, &system.Info{Version: "test"})
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve()
		o <- true
	}()

	l.Close()
	<-o
}
