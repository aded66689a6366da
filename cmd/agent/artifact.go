package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oriys/vm0-runner/internal/controlplane"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/vmerr"
)

// hashBufSize is the read chunk size for the artifact walk's streaming
// SHA-256, matching the spec's "8 KiB at a time" exactly rather than the
// larger default buffer hashutil.HashFile uses for rootfs/snapshot builds.
const hashBufSize = 8 * 1024

// excludedEntries are skipped everywhere the artifact protocol walks or
// archives the mount path.
var excludedEntries = map[string]bool{".git": true, ".vm0": true}

type artifactFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// createCheckpoint runs the five-step artifact upload protocol against
// the configured artifact mount, recording a sandbox op per stage.
func createCheckpoint(ctx context.Context, client *controlplane.Client, c *runConfig) error {
	mountPath := c.artifactMountPath
	if mountPath == "" {
		// Nothing configured to checkpoint; spec.md treats an absent
		// artifact driver as a no-op, not an error.
		return nil
	}
	storageName := c.artifactVolumeName
	if storageName == "" {
		storageName = "main"
	}

	start := time.Now()
	files, err := walkAndHash(mountPath)
	op("artifact_hash_compute", c.runID, start, err == nil, err)
	if err != nil {
		return &vmerr.CheckpointError{Stage: "hash", Err: err}
	}

	entries := make([]controlplane.FileEntry, len(files))
	for i, f := range files {
		entries[i] = controlplane.FileEntry{Path: f.Path, Hash: f.Hash, Size: f.Size}
	}

	start = time.Now()
	prep, err := client.Prepare(ctx, controlplane.PrepareRequest{
		StorageName: storageName,
		StorageType: "artifact",
		Files:       entries,
		RunID:       c.runID,
	})
	op("artifact_prepare_api", c.runID, start, err == nil, err)
	if err != nil {
		return err
	}

	if prep.Existing {
		start = time.Now()
		err := client.Commit(ctx, controlplane.CommitRequest{
			StorageName: storageName,
			StorageType: "artifact",
			VersionID:   prep.VersionID,
			Files:       entries,
			RunID:       c.runID,
		})
		op("artifact_commit_api", c.runID, start, err == nil, err)
		return err
	}

	if prep.Uploads == nil {
		return &vmerr.CheckpointError{Stage: "prepare", Err: fmt.Errorf("no uploads in non-dedup prepare response")}
	}

	tarPath, manifestPath, err := buildArchiveAndManifest(mountPath, files)
	if err != nil {
		return &vmerr.CheckpointError{Stage: "archive", Err: err}
	}
	defer os.Remove(tarPath)
	defer os.Remove(manifestPath)

	start = time.Now()
	uploadErr := uploadArchiveAndManifest(ctx, client, prep, tarPath, manifestPath)
	op("artifact_s3_upload", c.runID, start, uploadErr == nil, uploadErr)
	if uploadErr != nil {
		return &vmerr.CheckpointError{Stage: "upload", Err: uploadErr}
	}

	start = time.Now()
	err = client.Commit(ctx, controlplane.CommitRequest{
		StorageName: storageName,
		StorageType: "artifact",
		VersionID:   prep.VersionID,
		Files:       entries,
		RunID:       c.runID,
		Message:     "checkpoint",
	})
	op("artifact_commit_api", c.runID, start, err == nil, err)
	return err
}

func op(name, runID string, start time.Time, success bool, err error) {
	var errStr string
	if err != nil {
		errStr = err.Error()
	}
	logging.Default().Log(&logging.SandboxOp{
		RunID: runID, Name: name,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
		Error:      errStr,
	})
}

// walkAndHash streams every non-excluded file under mountPath through
// SHA-256 in hashBufSize chunks, returning paths relative to mountPath.
func walkAndHash(mountPath string) ([]artifactFile, error) {
	var files []artifactFile
	if err := walkDir(mountPath, "", &files); err != nil {
		return nil, err
	}
	return files, nil
}

func walkDir(dir, relative string, out *[]artifactFile) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil // unreadable directory: skip, matching the walk's best-effort policy
	}
	for _, entry := range entries {
		if excludedEntries[entry.Name()] {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		rel := entry.Name()
		if relative != "" {
			rel = relative + "/" + entry.Name()
		}

		if entry.IsDir() {
			if err := walkDir(full, rel, out); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		hash, size, err := hashFileChunked(full)
		if err != nil {
			logging.Op().Warn("could not hash file, skipping", "path", rel, "error", err)
			continue
		}
		*out = append(*out, artifactFile{Path: rel, Hash: hash, Size: size})
	}
	return nil
}

func hashFileChunked(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

type manifest struct {
	Version   int            `json:"version"`
	Files     []artifactFile `json:"files"`
	CreatedAt string         `json:"createdAt"`
}

func buildArchiveAndManifest(mountPath string, files []artifactFile) (tarPath, manifestPath string, err error) {
	tarFile, err := os.CreateTemp("", "vm0-artifact-*.tar.gz")
	if err != nil {
		return "", "", err
	}
	tarPath = tarFile.Name()
	defer tarFile.Close()

	if err := writeArchive(tarFile, mountPath); err != nil {
		os.Remove(tarPath)
		return "", "", err
	}

	data, err := json.Marshal(manifest{Version: 1, Files: files, CreatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		os.Remove(tarPath)
		return "", "", err
	}
	manifestFile, err := os.CreateTemp("", "vm0-manifest-*.json")
	if err != nil {
		os.Remove(tarPath)
		return "", "", err
	}
	manifestPath = manifestFile.Name()
	defer manifestFile.Close()
	if _, err := manifestFile.Write(data); err != nil {
		os.Remove(tarPath)
		os.Remove(manifestPath)
		return "", "", err
	}

	return tarPath, manifestPath, nil
}

// writeArchive tars and gzips mountPath's contents (excluding the same
// entries the hash walk skips) into w.
func writeArchive(w io.Writer, mountPath string) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(mountPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(mountPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if excludedEntries[part] {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func uploadArchiveAndManifest(ctx context.Context, client *controlplane.Client, prep *controlplane.PrepareResponse, tarPath, manifestPath string) error {
	archiveData, err := os.ReadFile(tarPath)
	if err != nil {
		return err
	}
	if err := client.PutPresigned(ctx, prep.Uploads.Archive.PresignedURL, archiveData, "application/gzip"); err != nil {
		return err
	}

	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	return client.PutPresigned(ctx, prep.Uploads.Manifest.PresignedURL, manifestData, "application/json")
}
