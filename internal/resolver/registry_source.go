package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/ipsix/forseti/internal/logging"
)

const (
	maxIndexBytes    = 4 << 20
	maxArtifactBytes = 512 << 20
)

type registryIndex struct {
	Name     string            `json:"name"`
	Versions []registryVersion `json:"versions"`
}

type registryVersion struct {
	Version   string              `json:"version"`
	Artifacts map[string]artifact `json:"artifacts"`
}

type artifact struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// selectVersion returns the entry matching want, or the highest stable
// version when want is empty. Prereleases are only picked when nothing
// stable exists.
func selectVersion(idx registryIndex, want string) (registryVersion, bool) {
	if want != "" {
		target := canonicalVersion(want)
		for _, v := range idx.Versions {
			if v.Version == want || (target != "" && canonicalVersion(v.Version) == target) {
				return v, true
			}
		}
		return registryVersion{}, false
	}
	var best, bestPre registryVersion
	var bestV, bestPreV string
	for _, v := range idx.Versions {
		c := canonicalVersion(v.Version)
		if c == "" {
			continue
		}
		if semver.Prerelease(c) != "" {
			if bestPreV == "" || semver.Compare(c, bestPreV) > 0 {
				bestPre, bestPreV = v, c
			}
			continue
		}
		if bestV == "" || semver.Compare(c, bestV) > 0 {
			best, bestV = v, c
		}
	}
	if bestV != "" {
		return best, true
	}
	return bestPre, bestPreV != ""
}

// fetchIndex reads <registry>/<name>/index.json. A 404 is ErrNotFound;
// everything else that fails is ErrNetwork.
func (r *Resolver) fetchIndex(ctx context.Context, src Source) (registryIndex, *url.URL, error) {
	base, err := url.Parse(strings.TrimRight(r.registryURL, "/") + "/")
	if err != nil {
		return registryIndex{}, nil, resolutionErr(ErrNetwork, src, fmt.Errorf("invalid registry url: %w", err))
	}
	indexURL := base.ResolveReference(&url.URL{Path: url.PathEscape(src.Name) + "/index.json"})

	body, err := r.get(ctx, indexURL.String())
	if err != nil {
		return registryIndex{}, nil, resolutionErr(classifyHTTP(err), src, err)
	}
	defer body.Close()

	var idx registryIndex
	if err := json.NewDecoder(io.LimitReader(body, maxIndexBytes)).Decode(&idx); err != nil {
		return registryIndex{}, nil, resolutionErr(ErrNetwork, src, fmt.Errorf("decode %s: %w", indexURL, err))
	}
	return idx, indexURL, nil
}

// prebuilt downloads and unpacks the artifact for the configured platform
// and returns the path of the engine binary inside staging.
func (r *Resolver) prebuilt(ctx context.Context, req Request, staging string) (string, string, error) {
	src := req.Source
	idx, indexURL, err := r.fetchIndex(ctx, src)
	if err != nil {
		return "", src.Version, err
	}
	ver, ok := selectVersion(idx, src.Version)
	if !ok {
		return "", src.Version, resolutionErr(ErrNotFound, src, fmt.Errorf("no matching version in registry index"))
	}
	art, ok := ver.Artifacts[r.platform]
	if !ok || art.URL == "" {
		return "", ver.Version, resolutionErr(ErrNotFound, src, fmt.Errorf("no %s artifact for %s", r.platform, ver.Version))
	}
	artURL, err := indexURL.Parse(art.URL)
	if err != nil {
		return "", ver.Version, resolutionErr(ErrNotFound, src, fmt.Errorf("invalid artifact url %q: %w", art.URL, err))
	}

	download := filepath.Join(staging, "artifact"+archiveSuffix(artURL.Path))
	if err := r.download(ctx, artURL.String(), download); err != nil {
		return "", ver.Version, resolutionErr(classifyHTTP(err), src, err)
	}
	if _, err := verifyChecksum(download, art.SHA256); err != nil {
		return "", ver.Version, resolutionErr(ErrVerification, src, fmt.Errorf("artifact %s: %w", artURL, err))
	}

	binaryName := req.Identity.LocalBinaryName()
	unpacked := filepath.Join(staging, "unpacked")
	if err := unpack(download, unpacked, formatForURL(artURL.Path), binaryName); err != nil {
		return "", ver.Version, resolutionErr(ErrVerification, src, fmt.Errorf("unpack artifact: %w", err))
	}
	bin, err := findBinary(unpacked, binaryName)
	if err != nil {
		return "", ver.Version, resolutionErr(ErrVerification, src, err)
	}
	// Archives do not reliably carry the execute bit.
	if err := os.Chmod(bin, 0o755); err != nil {
		return "", ver.Version, resolutionErr(ErrVerification, src, err)
	}
	return bin, ver.Version, nil
}

// buildCrate is the source fallback for registry engines.
func (r *Resolver) buildCrate(ctx context.Context, req Request, version, staging string) (string, error) {
	if r.builder == nil {
		return "", resolutionErr(ErrBuild, req.Source, ErrBuilderUnavailable)
	}
	root := filepath.Join(staging, "build")
	if err := r.builder.InstallCrate(ctx, req.Source.Name, version, root); err != nil {
		return "", resolutionErr(ErrBuild, req.Source, err)
	}
	bin, err := findBinary(root, req.Identity.LocalBinaryName())
	if err != nil {
		return "", resolutionErr(ErrBuild, req.Source, err)
	}
	return bin, nil
}

func (r *Resolver) resolveRegistry(ctx context.Context, req Request, staging string) (string, string, string, error) {
	var prebuiltErr error
	if r.registryURL != "" {
		bin, version, err := r.prebuilt(ctx, req, staging)
		if err == nil {
			return bin, version, methodPrebuilt, nil
		}
		if errors.Is(err, ErrVerification) || ctx.Err() != nil {
			return "", "", "", err
		}
		r.logger.Warn("prebuilt artifact unavailable, building from source",
			logging.F("engine", req.Identity.Key()),
			logging.F("source", req.Source.String()),
			logging.F("error", err.Error()),
		)
		prebuiltErr = err
		if version != "" {
			req.Source.Version = version
		}
	}

	bin, err := r.buildCrate(ctx, req, req.Source.Version, staging)
	if err != nil {
		if prebuiltErr != nil && errors.Is(err, ErrBuilderUnavailable) {
			return "", "", "", prebuiltErr
		}
		return "", "", "", err
	}
	return bin, req.Source.Version, methodBuild, nil
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.status)
}

func classifyHTTP(err error) error {
	var se *httpStatusError
	if errors.As(err, &se) && (se.status == http.StatusNotFound || se.status == http.StatusGone) {
		return ErrNotFound
	}
	return ErrNetwork
}

func (r *Resolver) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpStatusError{url: rawURL, status: resp.StatusCode}
	}
	return resp.Body, nil
}

func (r *Resolver) download(ctx context.Context, rawURL, dest string) error {
	body, err := r.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(body, maxArtifactBytes+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > maxArtifactBytes {
		out.Close()
		return fmt.Errorf("artifact %s exceeds %d bytes", rawURL, maxArtifactBytes)
	}
	return out.Close()
}

func archiveSuffix(p string) string {
	switch formatForURL(p) {
	case formatZip:
		return ".zip"
	case formatTarGz:
		return ".tar.gz"
	case formatTar:
		return ".tar"
	default:
		return ""
	}
}
