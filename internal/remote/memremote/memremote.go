// Package memremote is an in-memory remote.Storage with Drive-like
// semantics: opaque ids, trash, duplicate names and paginated listings.
package memremote

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // G501: md5 mirrors Drive's md5Checksum, not used for security
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

// RootID is the id of the root folder.
const RootID = "root"

const defaultPageSize = 100

// Op names passed to FailFunc.
const (
	OpList         = "list"
	OpCreateFolder = "create_folder"
	OpUpload       = "upload"
	OpDownload     = "download"
	OpDelete       = "delete"
)

type node struct {
	id      string
	parent  string
	name    string
	folder  bool
	content []byte
	hash    string
	mtime   int64
	trashed bool
}

// Storage is safe for concurrent use.
type Storage struct {
	mu     sync.Mutex
	nodes  map[string]*node
	nextID int

	// PageSize caps the number of entries per List page.
	PageSize int

	// FailFunc, when set, is consulted before every operation. A non-nil
	// return value is returned to the caller instead of performing it.
	// name is the child name for create/upload and the id otherwise.
	FailFunc func(op, name string) error

	// Calls counts operations by name.
	Calls map[string]int
}

// New returns an empty storage containing only the root folder.
func New() *Storage {
	return &Storage{
		nodes:    map[string]*node{RootID: {id: RootID, folder: true}},
		PageSize: defaultPageSize,
		Calls:    make(map[string]int),
	}
}

var _ remote.Storage = (*Storage)(nil)

func (s *Storage) before(op, name string) error {
	s.Calls[op]++

	if s.FailFunc != nil {
		return s.FailFunc(op, name)
	}

	return nil
}

func (s *Storage) newID() string {
	s.nextID++
	return "n" + strconv.Itoa(s.nextID)
}

func (s *Storage) children(parentID string) []*node {
	var out []*node

	for _, n := range s.nodes {
		if n.parent == parentID && n.id != RootID {
			out = append(out, n)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}

		return out[i].id < out[j].id
	})

	return out
}

func (n *node) entry() remote.Entry {
	return remote.Entry{
		ID:      n.id,
		Name:    n.name,
		Folder:  n.folder,
		Size:    int64(len(n.content)),
		Hash:    n.hash,
		MTime:   n.mtime,
		Trashed: n.trashed,
	}
}

// List returns non-trashed children of folderID, PageSize at a time. The
// page token is the offset of the next entry.
func (s *Storage) List(_ context.Context, folderID, pageToken string) (*remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.before(OpList, folderID); err != nil {
		return nil, err
	}

	parent, ok := s.nodes[folderID]
	if !ok || !parent.folder || parent.trashed {
		return nil, fmt.Errorf("listing %s: %w", folderID, mirrorerr.ErrNotFound)
	}

	offset := 0

	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}

		offset = n
	}

	var visible []*node

	for _, c := range s.children(folderID) {
		if !c.trashed {
			visible = append(visible, c)
		}
	}

	size := s.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	page := &remote.Page{}

	end := min(offset+size, len(visible))
	for _, c := range visible[min(offset, len(visible)):end] {
		page.Entries = append(page.Entries, c.entry())
	}

	if end < len(visible) {
		page.NextPageToken = strconv.Itoa(end)
	}

	return page, nil
}

// CreateFolder always creates a new folder, even if one with the same
// name exists, matching Drive.
func (s *Storage) CreateFolder(_ context.Context, parentID, name string) (remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.before(OpCreateFolder, name); err != nil {
		return remote.Entry{}, err
	}

	if err := s.checkParent(parentID); err != nil {
		return remote.Entry{}, err
	}

	n := &node{id: s.newID(), parent: parentID, name: name, folder: true, mtime: time.Now().UnixMilli()}
	s.nodes[n.id] = n

	return n.entry(), nil
}

// Upload stores the content as a new file under parentID.
func (s *Storage) Upload(_ context.Context, parentID, name string, r io.Reader, _ int64) (remote.Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("reading upload body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.before(OpUpload, name); err != nil {
		return remote.Entry{}, err
	}

	if err := s.checkParent(parentID); err != nil {
		return remote.Entry{}, err
	}

	n := &node{
		id:      s.newID(),
		parent:  parentID,
		name:    name,
		content: data,
		hash:    md5Hex(data),
		mtime:   time.Now().UnixMilli(),
	}
	s.nodes[n.id] = n

	return n.entry(), nil
}

// Download returns the content of a file.
func (s *Storage) Download(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.before(OpDownload, id); err != nil {
		return nil, err
	}

	n, ok := s.nodes[id]
	if !ok || n.folder || n.trashed {
		return nil, fmt.Errorf("downloading %s: %w", id, mirrorerr.ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(n.content))), nil
}

// Delete removes an item permanently. Folders are removed with their
// whole subtree.
func (s *Storage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.before(OpDelete, id); err != nil {
		return err
	}

	if id == RootID {
		return fmt.Errorf("refusing to delete root")
	}

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("deleting %s: %w", id, mirrorerr.ErrNotFound)
	}

	s.deleteTree(id)

	return nil
}

func (s *Storage) deleteTree(id string) {
	for _, c := range s.children(id) {
		s.deleteTree(c.id)
	}

	delete(s.nodes, id)
}

func (s *Storage) checkParent(parentID string) error {
	p, ok := s.nodes[parentID]
	if !ok || !p.folder || p.trashed {
		return fmt.Errorf("parent %s: %w", parentID, mirrorerr.ErrNotFound)
	}

	return nil
}

// Trash marks an item as trashed so it disappears from listings.
func (s *Storage) Trash(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[id]; ok {
		n.trashed = true
	}
}

// PutFile writes content at a slash-separated path, creating missing
// folders. An existing file at the path is replaced in place, keeping its
// id. Intended for test setup.
func (s *Storage) PutFile(path string, content []byte) remote.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments := strings.Split(path, "/")
	parent := s.ensureFolders(segments[:len(segments)-1])
	name := segments[len(segments)-1]

	for _, c := range s.children(parent) {
		if c.name == name && !c.folder && !c.trashed {
			c.content = bytes.Clone(content)
			c.hash = md5Hex(content)
			c.mtime = time.Now().UnixMilli()

			return c.entry()
		}
	}

	n := &node{
		id:      s.newID(),
		parent:  parent,
		name:    name,
		content: bytes.Clone(content),
		hash:    md5Hex(content),
		mtime:   time.Now().UnixMilli(),
	}
	s.nodes[n.id] = n

	return n.entry()
}

// PutFolder creates the folder at path and any missing ancestors.
func (s *Storage) PutFolder(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensureFolders(strings.Split(path, "/"))
}

func (s *Storage) ensureFolders(segments []string) string {
	current := RootID

	for _, seg := range segments {
		if seg == "" {
			continue
		}

		found := ""

		for _, c := range s.children(current) {
			if c.name == seg && c.folder && !c.trashed {
				found = c.id
				break
			}
		}

		if found == "" {
			n := &node{id: s.newID(), parent: current, name: seg, folder: true}
			s.nodes[n.id] = n
			found = n.id
		}

		current = found
	}

	return current
}

// Tree returns every non-trashed item keyed by slash-separated path.
func (s *Storage) Tree() map[string]remote.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]remote.Entry)
	s.collect(RootID, "", out)

	return out
}

func (s *Storage) collect(parent, prefix string, out map[string]remote.Entry) {
	for _, c := range s.children(parent) {
		if c.trashed {
			continue
		}

		p := c.name
		if prefix != "" {
			p = prefix + "/" + c.name
		}

		out[p] = c.entry()

		if c.folder {
			s.collect(c.id, p, out)
		}
	}
}

// Content returns the bytes stored at path, or false if no file exists.
func (s *Storage) Content(path string) ([]byte, bool) {
	e, ok := s.Tree()[path]
	if !ok || e.Folder {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.Clone(s.nodes[e.ID].content), true
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // G401: content fingerprint only
	return hex.EncodeToString(sum[:])
}
