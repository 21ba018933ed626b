package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchAvailableReleases(t *testing.T) {
	assetName := fmt.Sprintf("cli-proxy-api_%s_%s.tar.gz", runtime.GOOS, runtime.GOARCH)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	release := func(tag string, prerelease bool) map[string]interface{} {
		return map[string]interface{}{
			"tag_name":   tag,
			"prerelease": prerelease,
			"assets": []map[string]interface{}{
				{
					"name":                 assetName,
					"browser_download_url": srv.URL + "/dl/" + tag + "/" + assetName,
				},
				{
					"name":                 "checksums.txt",
					"browser_download_url": srv.URL + "/dl/" + tag + "/checksums.txt",
				},
			},
		}
	}

	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			release("v1.1.0", false),
			release("v2.0.0-rc1", true),
			release("v1.3.0", false),
			release("v1.2.0", false),
		})
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ignored_digest  other_asset.tar.gz\nabc123  %s\n", assetName)
	})

	client := NewFeedClient(srv.URL+"/releases", "checksums.txt")

	// Newer than v1.1.0: v1.3.0 and v1.2.0, newest first. The prerelease is
	// skipped regardless of its tag.
	versions, err := client.FetchAvailableReleases(context.Background(), "v1.1.0", 10)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "v1.3.0", versions[0].Tag)
	require.Equal(t, "v1.2.0", versions[1].Tag)
	require.Equal(t, "abc123", versions[0].Sha256)
	require.Contains(t, versions[0].DownloadURL, assetName)

	// No installed version lists everything stable.
	versions, err = client.FetchAvailableReleases(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	// The limit truncates after sorting, keeping the newest.
	versions, err = client.FetchAvailableReleases(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "v1.3.0", versions[0].Tag)
}

func TestFetchAvailableReleasesSkipsUnresolvable(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{
				"tag_name":   "v1.5.0",
				"prerelease": false,
				"assets": []map[string]interface{}{
					{"name": "cli-proxy-api_plan9_mips.tar.gz", "browser_download_url": srv.URL + "/nope"},
				},
			},
		})
	})

	client := NewFeedClient(srv.URL+"/releases", "checksums.txt")
	versions, err := client.FetchAvailableReleases(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, versions)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
