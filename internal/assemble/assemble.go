// Package assemble writes verified pieces into the final output file at
// their computed offsets and syncs once the file is complete.
package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// PieceResult is a single verified piece ready to be written to disk.
type PieceResult struct {
	Index int
	Bytes []byte
}

// Assembler owns the output file exclusively; no other component writes to
// it.
type Assembler struct {
	file        *os.File
	pieceLength int64
	numPieces   int
}

// Open creates (or truncates) the output file at filepath.Join(dir, name).
func Open(dir, name string, pieceLength int64, numPieces int) (*Assembler, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output file %s: %w", path, err)
	}
	return &Assembler{file: f, pieceLength: pieceLength, numPieces: numPieces}, nil
}

// Run drains results, writing each piece at its computed offset, until
// numPieces pieces have landed or ctx is canceled. It syncs and closes the
// file before returning on success.
func (a *Assembler) Run(ctx context.Context, results <-chan PieceResult) error {
	received := 0
	for received < a.numPieces {
		select {
		case <-ctx.Done():
			a.file.Close()
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				a.file.Close()
				return fmt.Errorf("results channel closed after %d/%d pieces", received, a.numPieces)
			}
			offset := int64(res.Index) * a.pieceLength
			if _, err := a.file.WriteAt(res.Bytes, offset); err != nil {
				a.file.Close()
				return fmt.Errorf("writing piece %d: %w", res.Index, err)
			}
			received++
		}
	}
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return fmt.Errorf("syncing output file: %w", err)
	}
	return a.file.Close()
}
