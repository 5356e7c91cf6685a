// Package migrations embeds the ClickHouse system-table migrations for the AVESA pipeline.
//
// Only the fixed system tables (SCD audit log, tenant registry) are managed here.
// Per-tenant canonical tables are created dynamically by the storage schema manager
// from canonical mapping files and are deliberately outside the migration sequence.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// FS is the embedded migration filesystem consumed by cmd/migrator and the
// shared integration-test helpers.
var FS fs.FS = embeddedMigrations

// Info contains parsed information about a migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
	Checksum  string
}

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// List returns all embedded migration files that conform to the strict naming standard.
// Only files matching the format 001_name.(up|down).sql are included.
// Invalid filenames are rejected to enforce consistency and prevent operational mistakes.
func List() ([]string, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()

		if filepath.Ext(filename) == ".sql" && filenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	// Lexicographic sort works with the naming standard:
	// 001_name.down.sql < 001_name.up.sql < 002_name.down.sql
	sort.Strings(files)

	return files, nil
}

// Validate performs comprehensive validation of the embedded migration files:
// filename format, up/down pairing, and sequence gap checking.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := fs.ReadFile(FS, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

// Parse parses a migration filename and extracts its components.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Checksum calculates the SHA256 checksum of migration content.
func Checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}

// MaxSequence returns the highest migration sequence number embedded in this binary.
func MaxSequence() int {
	files, err := List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if info, err := Parse(filename); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// validatePairing ensures that every up migration has a corresponding down migration.
func validatePairing(files []string) error {
	migrations := make(map[string]map[string]*Info) // sequence_name -> direction -> info

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if migrations[key] == nil {
			migrations[key] = make(map[string]*Info)
		}

		migrations[key][info.Direction] = info
	}

	for key, directions := range migrations {
		if _, hasUp := directions["up"]; !hasUp {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if _, hasDown := directions["down"]; !hasDown {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures there are no gaps in the migration sequence.
func validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		sequences[info.Sequence] = true
	}

	var sequenceNumbers []int
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequenceNumbers[0])
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		if sequenceNumbers[i] != expected {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				expected,
				sequenceNumbers[i],
			)
		}
	}

	return nil
}
