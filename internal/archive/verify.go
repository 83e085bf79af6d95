package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
)

// ProblemKind classifies a finding of Verify.
type ProblemKind string

const (
	ProblemDecode            ProblemKind = "decode"
	ProblemDuplicateID       ProblemKind = "duplicate_id"
	ProblemMissingAttachment ProblemKind = "missing_attachment"
	ProblemUnknownTopic      ProblemKind = "unknown_topic"
)

// Problem is one inconsistency found in the archive.
type Problem struct {
	Kind      ProblemKind
	Topic     Topic
	Line      int
	MessageID string
	Detail    string
}

func (p Problem) String() string {
	loc := p.Topic.LogPath()
	if p.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, p.Line)
	}
	return fmt.Sprintf("%s: %s: %s", loc, p.Kind, p.Detail)
}

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Topics   int
	Messages int
	Problems []Problem
}

// OK reports whether no problems were found.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify reads every topic log and reports corrupt lines, duplicate ids and
// attachment references whose files are missing. It only reads.
func (c *Coordinator) Verify(ctx context.Context) (*VerifyReport, error) {
	topics, err := c.listTopics()
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	for _, entry := range topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		topic := entry.topic
		report.Topics++
		if !entry.known {
			report.Problems = append(report.Problems, Problem{
				Kind:   ProblemUnknownTopic,
				Topic:  topic,
				Detail: "topic directory has no metadata entry",
			})
		}

		msgs, decodeErrs, err := c.log.Read(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", topic.LogPath(), err)
		}
		for _, derr := range decodeErrs {
			report.Problems = append(report.Problems, Problem{
				Kind:   ProblemDecode,
				Topic:  topic,
				Line:   derr.Line,
				Detail: derr.Err.Error(),
			})
		}

		seen := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			report.Messages++
			if seen[m.ID] {
				report.Problems = append(report.Problems, Problem{
					Kind:      ProblemDuplicateID,
					Topic:     topic,
					MessageID: m.ID,
					Detail:    fmt.Sprintf("message %s appears more than once", m.ID),
				})
			}
			seen[m.ID] = true

			for _, a := range m.Attachments {
				ok, err := c.attachments.Exists(topic, a.Path)
				if err != nil {
					return nil, fmt.Errorf("checking attachment %s: %w", a.Path, err)
				}
				if !ok {
					report.Problems = append(report.Problems, Problem{
						Kind:      ProblemMissingAttachment,
						Topic:     topic,
						MessageID: m.ID,
						Detail:    fmt.Sprintf("attachment %s missing at %s", a.ID, a.Path),
					})
				}
			}
		}
	}

	c.logger.Info("verify complete", CorrelationArgs(ctx,
		"topics", report.Topics, "messages", report.Messages, "problems", len(report.Problems))...)
	return report, nil
}

type topicEntry struct {
	topic Topic
	known bool
}

// listTopics merges topics from the metadata mapping with topic logs found
// on disk, ordered by group and topic id.
func (c *Coordinator) listTopics() ([]topicEntry, error) {
	known, err := c.meta.Topics()
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	byKey := make(map[string]*topicEntry, len(known))
	for _, t := range known {
		byKey[t.Key()] = &topicEntry{topic: t, known: true}
	}

	matches, err := filepath.Glob(filepath.Join(c.repo.Root(), "*", "*", LogFileName))
	if err != nil {
		return nil, fmt.Errorf("scanning topic logs: %w", err)
	}
	for _, m := range matches {
		rel, err := filepath.Rel(c.repo.Root(), m)
		if err != nil {
			continue
		}
		t, ok := topicFromLogPath(filepath.ToSlash(rel))
		if !ok {
			continue
		}
		if _, exists := byKey[t.Key()]; !exists {
			byKey[t.Key()] = &topicEntry{topic: t}
		}
	}

	entries := make([]topicEntry, 0, len(byKey))
	for _, e := range byKey {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].topic, entries[j].topic
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.ID < b.ID
	})
	return entries, nil
}
