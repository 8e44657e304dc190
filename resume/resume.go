// Package resume persists what a storage's files looked like on disk, so a
// check job can tell whether they changed behind our back.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rarydzu/gdiskio/storage"
	"github.com/rarydzu/gdiskio/utils"
	"github.com/syndtr/goleveldb/leveldb"
	lfilter "github.com/syndtr/goleveldb/leveldb/filter"
	lopt "github.com/syndtr/goleveldb/leveldb/opt"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

const keyPrefix = "resume:"

var (
	ErrNotFound = errors.New("no resume record")
	ErrMismatch = errors.New("files differ from resume record")
)

type FileRecord struct {
	// Size on disk, -1 when missing
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

type Record struct {
	Storage  storage.Index `json:"storage"`
	SavePath string        `json:"savePath"`
	Files    []FileRecord  `json:"files"`
}

// Diff returns the indices of files whose size differs between r and other.
// Modification times are not compared, a rewrite of identical length is
// caught by piece hashing instead.
func (r *Record) Diff(other *Record) []storage.FileIndex {
	var ret []storage.FileIndex
	for i := range r.Files {
		if i >= len(other.Files) || r.Files[i].Size != other.Files[i].Size {
			ret = append(ret, storage.FileIndex(i))
		}
	}
	for i := len(r.Files); i < len(other.Files); i++ {
		ret = append(ret, storage.FileIndex(i))
	}
	return ret
}

// Scan builds a record from the files currently on disk.
func Scan(st storage.Index, layout storage.Layout, savePath string) (*Record, error) {
	rec := &Record{
		Storage:  st,
		SavePath: savePath,
		Files:    make([]FileRecord, layout.NumFiles()),
	}
	for i := range rec.Files {
		fi, err := os.Stat(layout.FilePath(storage.FileIndex(i), savePath))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				rec.Files[i].Size = -1
				continue
			}
			return nil, err
		}
		rec.Files[i] = FileRecord{Size: fi.Size(), ModTime: fi.ModTime()}
	}
	return rec, nil
}

type Store struct {
	db  *leveldb.DB
	log *zap.SugaredLogger
}

// Open opens or creates the store at path
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, &lopt.Options{
		Filter: lfilter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, tracerr.Errorf("opening resume store %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

func key(st storage.Index) []byte {
	return utils.PrefixedKey(keyPrefix, uint32(st))
}

// Save stores rec, replacing any previous record of the same storage.
func (s *Store) Save(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(key(rec.Storage), data, nil); err != nil {
		return tracerr.Errorf("saving resume record of storage %d: %w", rec.Storage, err)
	}
	return nil
}

func (s *Store) Load(st storage.Index) (*Record, error) {
	data, err := s.db.Get(key(st), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, tracerr.Wrap(err)
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decoding resume record of storage %d: %w", st, err)
	}
	return rec, nil
}

// List returns the storages that have a record, in index order.
func (s *Store) List() ([]storage.Index, error) {
	var ret []storage.Index
	iter := s.db.NewIterator(lutil.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		st, ok := utils.KeySuffix(keyPrefix, iter.Key())
		if !ok {
			s.log.Warnf("skipping malformed resume key %q", iter.Key())
			continue
		}
		ret = append(ret, storage.Index(st))
	}
	if err := iter.Error(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return ret, nil
}

func (s *Store) Delete(st storage.Index) error {
	return s.db.Delete(key(st), nil)
}

// Verify compares the files on disk with the stored record and then stores
// the current state. A storage without a record verifies successfully.
func (s *Store) Verify(st storage.Index, layout storage.Layout, savePath string) error {
	current, err := Scan(st, layout, savePath)
	if err != nil {
		return err
	}
	prev, err := s.Load(st)
	switch {
	case errors.Is(err, ErrNotFound):
		s.log.Debugf("no resume record for storage %d, recording %d files", st, len(current.Files))
	case err != nil:
		return err
	default:
		if changed := prev.Diff(current); len(changed) > 0 {
			if serr := s.Save(current); serr != nil {
				s.log.Warnf("saving resume record of storage %d: %v", st, serr)
			}
			return fmt.Errorf("storage %d files %v: %w", st, changed, ErrMismatch)
		}
	}
	return s.Save(current)
}

func (s *Store) Close() error {
	return s.db.Close()
}
