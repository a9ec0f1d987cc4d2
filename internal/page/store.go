package page

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/VanitasCaesar1/mantisdb/internal/errs"
)

const (
	magic         = uint32(0x4d414e54) // "MANT"
	fileVersion   = uint32(1)
	fileHeaderLen = Size // the file header occupies one full page slot
)

// Store provides fixed-size page I/O over a single flat file, with an
// in-memory free list persisted into the file header on Sync.
// Durability here is best-effort: true durability comes from the WAL
// plus checkpoints layered above this package.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	nextPage ID
	free     []ID
}

// Open opens or creates the page file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.Durability, err, "open page file %s", path)
	}
	s := &Store{file: f, nextPage: 1}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Durability, err, "stat page file")
	}
	if fi.Size() == 0 {
		if err := s.writeFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	}
	if err := s.readFileHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) writeFileHeader() error {
	buf := make([]byte, fileHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], fileVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.nextPage))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(s.free)))
	off := 16
	for _, id := range s.free {
		if off+4 > fileHeaderLen {
			break
		}
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(id))
		off += 4
	}
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return errs.Wrap(errs.Durability, err, "write file header")
	}
	return nil
}

func (s *Store) readFileHeader() error {
	buf := make([]byte, fileHeaderLen)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.Corruption, err, "read file header")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return errs.New(errs.Corruption, "bad file magic")
	}
	s.nextPage = ID(binary.BigEndian.Uint32(buf[8:12]))
	count := binary.BigEndian.Uint32(buf[12:16])
	off := 16
	s.free = s.free[:0]
	for i := uint32(0); i < count && off+4 <= fileHeaderLen; i++ {
		s.free = append(s.free, ID(binary.BigEndian.Uint32(buf[off:off+4])))
		off += 4
	}
	return nil
}

func offsetOf(id ID) int64 {
	return int64(fileHeaderLen) + int64(id-1)*int64(Size)
}

// Allocate pops a page id from the free list or extends the file.
func (s *Store) Allocate() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id
	}
	id := s.nextPage
	s.nextPage++
	return id
}

// Free pushes id back onto the free list.
func (s *Store) Free(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, id)
}

// Read loads page id, verifying its CRC.
func (s *Store) Read(id ID) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || id >= s.nextPage {
		return nil, errs.New(errs.NotFound, "page %d not allocated", id)
	}
	buf := make([]byte, Size)
	if _, err := s.file.ReadAt(buf, offsetOf(id)); err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "read page %d", id)
	}
	return Parse(buf)
}

// Write overwrites page id's content at its page boundary. The OS
// write is assumed torn-safe at 512-byte granularity. The page CRC
// covers the header only, so the next read detects a tear that reaches
// the header; a tear confined to the data area is not detected.
func (s *Store) Write(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(p.Bytes(), offsetOf(p.Header.PageID)); err != nil {
		return errs.Wrap(errs.Durability, err, "write page %d", p.Header.PageID)
	}
	return nil
}

// Sync forces the page file (including the free-list header) to
// stable storage. Called explicitly by the engine's Checkpoint and
// Close; the buffer pool never calls it.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFileHeader(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.Durability, err, "fsync page file")
	}
	return nil
}

// Close syncs and closes the underlying file.
func (s *Store) Close() error {
	if err := s.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}
