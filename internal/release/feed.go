package release

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/warden-sh/proxy-warden/internal/proxyerr"
)

// ProxyVersion identifies an installable binary release. Immutable once
// fetched from the feed.
type ProxyVersion struct {
	Tag         string `json:"tag"`
	DownloadURL string `json:"download_url"`
	Sha256      string `json:"sha256"`
}

// feedRelease mirrors the GitHub-style release feed shape.
type feedRelease struct {
	TagName    string      `json:"tag_name"`
	Prerelease bool        `json:"prerelease"`
	Assets     []feedAsset `json:"assets"`
}

type feedAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// FeedClient fetches release candidates from the release feed and resolves
// the platform asset plus its published SHA-256 digest.
type FeedClient struct {
	feedURL       string
	checksumAsset string
	httpClient    *http.Client
}

// NewFeedClient creates a feed client for the given release feed URL.
// checksumAsset names the per-release asset holding the digest list
// (typically "checksums.txt").
func NewFeedClient(feedURL, checksumAsset string) *FeedClient {
	return &FeedClient{
		feedURL:       feedURL,
		checksumAsset: checksumAsset,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchAvailableReleases returns up to limit candidates newer than
// installedVersion, ordered newest-first. installedVersion may be empty to
// list everything.
func (c *FeedClient) FetchAvailableReleases(ctx context.Context, installedVersion string, limit int) ([]ProxyVersion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "release feed request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, proxyerr.New(proxyerr.CodeDownloadFailed, "release feed returned %d", resp.StatusCode)
	}

	var releases []feedRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "failed to decode release feed")
	}

	var candidates []feedRelease
	for _, rel := range releases {
		if rel.Prerelease {
			continue
		}
		if installedVersion != "" && CompareVersions(rel.TagName, installedVersion) <= 0 {
			continue
		}
		candidates = append(candidates, rel)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return CompareVersions(candidates[i].TagName, candidates[j].TagName) > 0
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	versions := make([]ProxyVersion, 0, len(candidates))
	for _, rel := range candidates {
		v, err := c.resolveVersion(ctx, rel)
		if err != nil {
			log.Printf("⚠️ Skipping release %s: %v", rel.TagName, err)
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// resolveVersion picks the host-platform asset and extracts its checksum from
// the release's digest list.
func (c *FeedClient) resolveVersion(ctx context.Context, rel feedRelease) (ProxyVersion, error) {
	var asset *feedAsset
	var checksums *feedAsset
	for i := range rel.Assets {
		a := &rel.Assets[i]
		if a.Name == c.checksumAsset {
			checksums = a
			continue
		}
		if asset == nil && assetMatchesPlatform(a.Name) {
			asset = a
		}
	}
	if asset == nil {
		return ProxyVersion{}, fmt.Errorf("no asset matches %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	v := ProxyVersion{Tag: rel.TagName, DownloadURL: asset.BrowserDownloadURL}
	if checksums == nil {
		return ProxyVersion{}, fmt.Errorf("release has no %s asset", c.checksumAsset)
	}

	sum, err := c.fetchChecksum(ctx, checksums.BrowserDownloadURL, asset.Name)
	if err != nil {
		return ProxyVersion{}, err
	}
	v.Sha256 = sum
	return v, nil
}

func (c *FeedClient) fetchChecksum(ctx context.Context, url, assetName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.CodeDownloadFailed, err, "checksum download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", proxyerr.New(proxyerr.CodeDownloadFailed, "checksum download returned %d", resp.StatusCode)
	}

	// Lines are "<hex>  <filename>".
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.TrimPrefix(fields[1], "*") == assetName {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no checksum entry for %s", assetName)
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64"},
	"arm64": {"arm64", "aarch64"},
	"386":   {"386", "i386"},
}

var osAliases = map[string][]string{
	"darwin": {"darwin", "macos", "osx"},
}

func assetMatchesPlatform(name string) bool {
	lower := strings.ToLower(name)

	osNames := osAliases[runtime.GOOS]
	if osNames == nil {
		osNames = []string{runtime.GOOS}
	}
	if !containsAny(lower, osNames) {
		return false
	}

	archNames := archAliases[runtime.GOARCH]
	if archNames == nil {
		archNames = []string{runtime.GOARCH}
	}
	return containsAny(lower, archNames)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
