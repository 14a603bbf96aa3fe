package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "default"

// profileFile is the on-disk layout: one credential set per profile, so
// several accounts or servers can share a single token file.
type profileFile struct {
	Profiles map[string]*Credentials `json:"profiles"`
}

// FileStore persists slots in a JSON file shared between processes.
// Writes go through a lock file and an atomic rename.
type FileStore struct {
	path    string
	profile string
}

// NewFileStore returns a store for profile inside the file at path.
func NewFileStore(path, profile string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("token file path cannot be empty")
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return &FileStore{path: path, profile: profile}, nil
}

// Path returns the token file location.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get(_ context.Context, slot Slot) (string, error) {
	if err := validSlot(slot); err != nil {
		return "", err
	}
	pf, err := f.read()
	if err != nil {
		return "", err
	}
	creds, ok := pf.Profiles[f.profile]
	if !ok || creds == nil {
		return "", nil
	}
	return creds.get(slot), nil
}

func (f *FileStore) Set(_ context.Context, slot Slot, value string) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	return f.update(func(creds *Credentials) {
		creds.set(slot, value)
	})
}

func (f *FileStore) Clear(ctx context.Context, slot Slot) error {
	return f.Set(ctx, slot, "")
}

// read loads the whole file. A missing file is an empty store.
func (f *FileStore) read() (*profileFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &profileFile{}, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var pf profileFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &pf, nil
}

// update applies fn to this profile under the file lock and rewrites the
// file, leaving other profiles untouched.
func (f *FileStore) update(fn func(*Credentials)) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// A corrupt file is replaced rather than blocking every future write.
	var pf profileFile
	if existing, err := os.ReadFile(f.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &pf); unmarshalErr != nil {
			pf.Profiles = nil
		}
	}
	if pf.Profiles == nil {
		pf.Profiles = make(map[string]*Credentials)
	}

	creds := pf.Profiles[f.profile]
	if creds == nil {
		creds = &Credentials{}
	}
	fn(creds)
	if creds.IsZero() {
		delete(pf.Profiles, f.profile)
	} else {
		pf.Profiles[f.profile] = creds
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
