package gitrepo

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Ident renders the signature as a git identity line, "Name <email>".
func (s Signature) Ident() string {
	return s.Name + " <" + s.Email + ">"
}

type CommitInfo struct {
	Hash      string
	Tree      string
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// Subject is the first line of the commit message.
func (c CommitInfo) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

// FirstParent returns the first parent hash, or "" for a root commit.
func (c CommitInfo) FirstParent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// IsMerge reports whether the commit has more than one parent.
func (c CommitInfo) IsMerge() bool {
	return len(c.Parents) > 1
}

// CommitInput describes a commit to write. The tree is the union of Blobs
// (existing blob hashes by path) and Files (new content written as blobs
// first); Files wins on overlapping paths.
type CommitInput struct {
	Files     map[string][]byte
	Blobs     map[string]string
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// Commit reads one commit's metadata.
func (s *Service) Commit(project, hash string) (CommitInfo, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return CommitInfo{}, err
	}
	commit, err := commitObject(repo, hash)
	if err != nil {
		return CommitInfo{}, err
	}
	return toCommitInfo(commit), nil
}

// WriteCommit builds the tree from the input and writes blob, tree, and
// commit objects. It returns the new commit hash.
func (s *Service) WriteCommit(project string, in CommitInput) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return "", err
	}
	hash, err := s.writeCommit(repo, in)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// TreeFiles flattens a commit's tree to path → blob hash.
func (s *Service) TreeFiles(project, commitHash string) (map[string]string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := commitObject(repo, commitHash)
	if err != nil {
		return nil, err
	}
	return flattenTree(commit)
}

// BlobContent reads one blob's bytes.
func (s *Service) BlobContent(project, blobHash string) ([]byte, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return nil, err
	}
	blob, err := repo.BlobObject(plumbing.NewHash(blobHash))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blobHash, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *Service) writeCommit(repo *git.Repository, in CommitInput) (plumbing.Hash, error) {
	blobs := make(map[string]plumbing.Hash, len(in.Blobs)+len(in.Files))
	for path, hash := range in.Blobs {
		blobs[path] = plumbing.NewHash(hash)
	}
	for path, content := range in.Files {
		hash, err := writeBlob(repo, content)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write blob %s: %w", path, err)
		}
		blobs[path] = hash
	}

	treeHash, err := writeTree(repo, blobs)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	parents := make([]plumbing.Hash, 0, len(in.Parents))
	for _, parent := range in.Parents {
		parents = append(parents, plumbing.NewHash(parent))
	}

	commit := &object.Commit{
		Author:       object.Signature{Name: in.Author.Name, Email: in.Author.Email, When: in.Author.When},
		Committer:    object.Signature{Name: in.Committer.Name, Email: in.Committer.Email, When: in.Committer.When},
		Message:      in.Message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return hash, nil
}

func writeBlob(repo *git.Repository, content []byte) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("write blob content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("close blob writer: %w", err)
	}
	return repo.Storer.SetEncodedObject(obj)
}

type treeNode struct {
	blobs map[string]plumbing.Hash
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{
		blobs: make(map[string]plumbing.Hash),
		dirs:  make(map[string]*treeNode),
	}
}

func (n *treeNode) insert(path string, hash plumbing.Hash) {
	dir, rest, nested := strings.Cut(path, "/")
	if !nested {
		n.blobs[path] = hash
		return
	}
	child, ok := n.dirs[dir]
	if !ok {
		child = newTreeNode()
		n.dirs[dir] = child
	}
	child.insert(rest, hash)
}

func writeTree(repo *git.Repository, blobs map[string]plumbing.Hash) (plumbing.Hash, error) {
	root := newTreeNode()
	for path, hash := range blobs {
		root.insert(path, hash)
	}
	return writeTreeNode(repo, root)
}

func writeTreeNode(repo *git.Repository, node *treeNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.blobs)+len(node.dirs))
	for name, hash := range node.blobs {
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
	}
	for name, child := range node.dirs {
		hash, err := writeTreeNode(repo, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	// Canonical git tree order: byte-wise by name, directories compared as
	// if their name ended in "/".
	sort.Slice(entries, func(i, j int) bool {
		return treeEntryKey(entries[i]) < treeEntryKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store tree: %w", err)
	}
	return hash, nil
}

func treeEntryKey(entry object.TreeEntry) string {
	if entry.Mode == filemode.Dir {
		return entry.Name + "/"
	}
	return entry.Name
}

func flattenTree(commit *object.Commit) (map[string]string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit.Hash, err)
	}

	files := make(map[string]string)
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk tree of %s: %w", commit.Hash, err)
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		files[name] = entry.Hash.String()
	}
	return files, nil
}

func toCommitInfo(commit *object.Commit) CommitInfo {
	parents := make([]string, 0, len(commit.ParentHashes))
	for _, parent := range commit.ParentHashes {
		parents = append(parents, parent.String())
	}
	return CommitInfo{
		Hash:    commit.Hash.String(),
		Tree:    commit.TreeHash.String(),
		Parents: parents,
		Author: Signature{
			Name:  commit.Author.Name,
			Email: commit.Author.Email,
			When:  commit.Author.When,
		},
		Committer: Signature{
			Name:  commit.Committer.Name,
			Email: commit.Committer.Email,
			When:  commit.Committer.When,
		},
		Message: commit.Message,
	}
}
