package backup

import "errors"

var (
	// ErrNoBackup is returned when the store holds no current backup.
	ErrNoBackup = errors.New("backup: no backup found")

	// ErrIncompatibleVersion is returned for manifests written by a newer
	// format.
	ErrIncompatibleVersion = errors.New("backup: incompatible manifest version")

	// ErrChecksumMismatch is returned when a restored file does not match
	// its manifest entry.
	ErrChecksumMismatch = errors.New("backup: checksum mismatch")

	// ErrTargetExists is returned by Restore when a file it would write
	// already exists.
	ErrTargetExists = errors.New("backup: restore target exists")

	// ErrInvalidManifest is returned for manifests with unsafe or missing
	// entries.
	ErrInvalidManifest = errors.New("backup: invalid manifest")
)
