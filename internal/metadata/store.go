// Package metadata maintains metadata.yaml, the mapping from group and topic
// ids to their human-readable names.
package metadata

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"chronicler/internal/archive"
)

// File is the on-disk shape of metadata.yaml. Ids are kept as string keys so
// negative chat ids stay quoted and unambiguous.
type File struct {
	Groups map[string]*Group `yaml:"groups"`
}

// Group is one chat and its topics.
type Group struct {
	Name   string            `yaml:"name"`
	Topics map[string]*Entry `yaml:"topics"`
}

// Entry is a topic name.
type Entry struct {
	Name string `yaml:"name"`
}

// YAMLStore keeps the mapping in <root>/metadata.yaml. The file is re-read on
// every call so it stays correct across git operations on the working tree.
type YAMLStore struct {
	root   string
	logger archive.Logger
	mu     sync.Mutex
}

// NewYAMLStore creates a YAMLStore for the repository at root.
func NewYAMLStore(root string, logger archive.Logger) *YAMLStore {
	return &YAMLStore{root: root, logger: logger}
}

// Path returns the mapping file path relative to the repository root.
func (s *YAMLStore) Path() string {
	return archive.MetadataFileName
}

func (s *YAMLStore) absPath() string {
	return filepath.Join(s.root, archive.MetadataFileName)
}

// Load reads the mapping. A missing file yields an empty mapping.
func (s *YAMLStore) Load() (*File, error) {
	data, err := os.ReadFile(s.absPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Groups: map[string]*Group{}}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", archive.MetadataFileName, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", archive.MetadataFileName, err)
	}
	if f.Groups == nil {
		f.Groups = map[string]*Group{}
	}
	for _, g := range f.Groups {
		if g.Topics == nil {
			g.Topics = map[string]*Entry{}
		}
	}
	return &f, nil
}

// Ensure records the topic and its group. Existing names are replaced only
// by non-empty different ones.
func (s *YAMLStore) Ensure(topic archive.Topic) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.Load()
	if err != nil {
		return false, err
	}

	changed := false
	gkey := strconv.FormatInt(topic.GroupID, 10)
	g, ok := f.Groups[gkey]
	if !ok {
		g = &Group{Name: topic.GroupName, Topics: map[string]*Entry{}}
		f.Groups[gkey] = g
		changed = true
		s.logger.Info("new group", "group_id", topic.GroupID, "name", topic.GroupName)
	} else if topic.GroupName != "" && g.Name != topic.GroupName {
		s.logger.Info("group renamed", "group_id", topic.GroupID, "from", g.Name, "to", topic.GroupName)
		g.Name = topic.GroupName
		changed = true
	}

	tkey := strconv.FormatInt(topic.ID, 10)
	e, ok := g.Topics[tkey]
	if !ok {
		name := topic.Name
		if name == "" {
			name = archive.DefaultTopicName(topic.ID)
		}
		g.Topics[tkey] = &Entry{Name: name}
		changed = true
		s.logger.Info("new topic", "group_id", topic.GroupID, "topic_id", topic.ID, "name", name)
	} else if topic.Name != "" && e.Name != topic.Name {
		s.logger.Info("topic renamed", "group_id", topic.GroupID, "topic_id", topic.ID, "from", e.Name, "to", topic.Name)
		e.Name = topic.Name
		changed = true
	}

	if !changed {
		return false, nil
	}
	if err := s.write(f); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the stored names for a topic.
func (s *YAMLStore) Lookup(groupID, topicID int64) (archive.Topic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.Load()
	if err != nil {
		return archive.Topic{}, false, err
	}
	g, ok := f.Groups[strconv.FormatInt(groupID, 10)]
	if !ok {
		return archive.Topic{}, false, nil
	}
	e, ok := g.Topics[strconv.FormatInt(topicID, 10)]
	if !ok {
		return archive.Topic{}, false, nil
	}
	return archive.Topic{GroupID: groupID, ID: topicID, Name: e.Name, GroupName: g.Name}, true, nil
}

// Topics lists every topic ordered by group id, then topic id. Entries whose
// keys are not integers are skipped with a warning.
func (s *YAMLStore) Topics() ([]archive.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.Load()
	if err != nil {
		return nil, err
	}

	var topics []archive.Topic
	for gkey, g := range f.Groups {
		gid, err := strconv.ParseInt(gkey, 10, 64)
		if err != nil {
			s.logger.Warn("skipping non-numeric group key", "key", gkey)
			continue
		}
		for tkey, e := range g.Topics {
			tid, err := strconv.ParseInt(tkey, 10, 64)
			if err != nil {
				s.logger.Warn("skipping non-numeric topic key", "group_id", gid, "key", tkey)
				continue
			}
			topics = append(topics, archive.Topic{GroupID: gid, ID: tid, Name: e.Name, GroupName: g.Name})
		}
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].GroupID != topics[j].GroupID {
			return topics[i].GroupID < topics[j].GroupID
		}
		return topics[i].ID < topics[j].ID
	})
	return topics, nil
}

// write replaces metadata.yaml atomically.
func (s *YAMLStore) write(f *File) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encoding %s: %w", archive.MetadataFileName, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding %s: %w", archive.MetadataFileName, err)
	}

	dest := s.absPath()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-metadata-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

var _ archive.MetadataStore = (*YAMLStore)(nil)
