package kv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// The disk backend journals slot assignments so the key index can be
// rebuilt by replay on open. Payloads live in the slot file; the journal
// only carries (op, key, slot) triples, which makes it small and very
// compressible.
//
// File layout: 6-byte header (magic, version, flags), then a stream of
// fixed 13-byte entries. With compression enabled the entry stream is a
// sequence of zstd frames (one frame per open session).

const (
	journalVersion = 1

	journalFlagZstd = 1 << 0

	journalEntrySize = 13 // op(1) + key(8) + slot(4)

	opInsert byte = 1
	opRemove byte = 2
)

var journalMagic = [4]byte{'T', 'S', 'L', 'J'}

// ErrJournalCorrupt is returned when the journal header is unreadable.
var ErrJournalCorrupt = errors.New("kv: journal corrupt")

type journalEntry struct {
	op   byte
	key  uint64
	slot uint32
}

type journal struct {
	f          *os.File
	buf        *bufio.Writer
	enc        *zstd.Encoder
	w          io.Writer // enc if compressed, buf otherwise
	compressed bool
}

// openJournal opens (creating if needed) the journal at path, replays all
// entries through apply, and leaves the journal positioned for appends.
func openJournal(path string, compressed bool, apply func(journalEntry)) (*journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if fi.Size() == 0 {
		if err := writeJournalHeader(f, compressed); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		compressed, err = readJournalHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := replayJournal(f, compressed, apply); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}

	j := &journal{f: f, compressed: compressed}
	j.buf = bufio.NewWriter(f)
	if compressed {
		enc, err := zstd.NewWriter(j.buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		j.enc = enc
		j.w = enc
	} else {
		j.w = j.buf
	}
	return j, nil
}

func writeJournalHeader(f *os.File, compressed bool) error {
	var hdr [6]byte
	copy(hdr[:4], journalMagic[:])
	hdr[4] = journalVersion
	if compressed {
		hdr[5] = journalFlagZstd
	}
	_, err := f.Write(hdr[:])
	return err
}

func readJournalHeader(f *os.File) (compressed bool, err error) {
	var hdr [6]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return false, ErrJournalCorrupt
	}
	if [4]byte(hdr[:4]) != journalMagic || hdr[4] != journalVersion {
		return false, ErrJournalCorrupt
	}
	return hdr[5]&journalFlagZstd != 0, nil
}

// replayJournal streams entries from the current file position to EOF. A
// torn trailing entry (crash mid-append) terminates replay silently.
func replayJournal(f *os.File, compressed bool, apply func(journalEntry)) error {
	var r io.Reader = f
	if compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}

	var buf [journalEntrySize]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("kv: journal replay: %w", err)
		}
		apply(journalEntry{
			op:   buf[0],
			key:  binary.LittleEndian.Uint64(buf[1:9]),
			slot: binary.LittleEndian.Uint32(buf[9:13]),
		})
	}
}

// append writes one entry and flushes it to the OS.
func (j *journal) append(e journalEntry) error {
	var buf [journalEntrySize]byte
	buf[0] = e.op
	binary.LittleEndian.PutUint64(buf[1:9], e.key)
	binary.LittleEndian.PutUint32(buf[9:13], e.slot)

	if _, err := j.w.Write(buf[:]); err != nil {
		return err
	}
	if j.enc != nil {
		if err := j.enc.Flush(); err != nil {
			return err
		}
	}
	return j.buf.Flush()
}

// close finishes the current zstd frame (if any) and closes the file.
func (j *journal) close() error {
	var err error
	if j.enc != nil {
		err = j.enc.Close()
	}
	if ferr := j.buf.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if cerr := j.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
