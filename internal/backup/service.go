package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	archivePrefix    = "fiddy-backup-"
	archiveTimestamp = "2006-01-02-150405"
	metadataName     = "backup-metadata.json"

	// minBackupsToKeep backups survive rotation regardless of age.
	minBackupsToKeep = 3
)

// Metadata describes one backup archive.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes one cache artifact inside the archive.
type FileMetadata struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes a stored backup.
type Info struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service archives the data directory into a tar.gz with a metadata file
// and manages the stored copies.
type Service struct {
	store   ObjectStore
	dataDir string
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates a backup service for the given data directory.
func NewService(store ObjectStore, dataDir string, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		dataDir: dataDir,
		log:     log.With().Str("service", "backup").Logger(),
		now:     time.Now,
	}
}

// CreateAndUpload archives every cache artifact under the data directory
// and uploads the archive. Returns the archive name.
func (s *Service) CreateAndUpload(ctx context.Context) (string, error) {
	started := s.now()
	s.log.Info().Str("data_dir", s.dataDir).Msg("Starting backup")

	staging, err := os.MkdirTemp("", "fiddy-backup-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	files, err := s.collectFiles()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("nothing to back up in %s", s.dataDir)
	}

	metadata := Metadata{Timestamp: s.now().UTC(), Files: files}

	archiveName := archivePrefix + s.now().Format(archiveTimestamp) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := s.createArchive(archivePath, metadata); err != nil {
		return "", err
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return "", err
	}

	info, _ := os.Stat(archivePath)
	var size int64
	if info != nil {
		size = info.Size()
	}
	s.log.Info().
		Str("archive", archiveName).
		Int("files", len(files)).
		Int64("size_bytes", size).
		Dur("took", s.now().Sub(started)).
		Msg("Backup completed")

	return archiveName, nil
}

// List returns stored backups, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	now := s.now()
	backups := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimestamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping backup with unparsable timestamp")
			continue
		}

		backups = append(backups, Info{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(a, b int) bool {
		return backups[a].Timestamp.After(backups[b].Timestamp)
	})

	return backups, nil
}

// Rotate deletes backups older than retentionDays, always keeping the
// newest minBackupsToKeep. retentionDays 0 keeps everything.
func (s *Service) Rotate(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	backups, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsToKeep {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}

		if err := s.store.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", b.Filename).Msg("Deleted old backup")
		deleted++
	}

	return deleted, nil
}

// collectFiles walks the data directory gathering relative paths, sizes
// and checksums.
func (s *Service) collectFiles() ([]FileMetadata, error) {
	var files []FileMetadata

	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		checksum, err := fileChecksum(path)
		if err != nil {
			return err
		}

		files = append(files, FileMetadata{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", s.dataDir, err)
	}

	return files, nil
}

func (s *Service) createArchive(archivePath string, metadata Metadata) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	encoded, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	header := &tar.Header{
		Name:    metadataName,
		Size:    int64(len(encoded)),
		Mode:    0644,
		ModTime: metadata.Timestamp,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write metadata header: %w", err)
	}
	if _, err := tw.Write(encoded); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	for _, file := range metadata.Files {
		if err := s.addFile(tw, file.Path); err != nil {
			return fmt.Errorf("failed to archive %s: %w", file.Path, err)
		}
	}

	return nil
}

func (s *Service) addFile(tw *tar.Writer, rel string) error {
	path := filepath.Join(s.dataDir, filepath.FromSlash(rel))

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    rel,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
