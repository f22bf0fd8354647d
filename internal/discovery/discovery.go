// Package discovery scans a skills directory tree into an immutable
// snapshot of topics and skills: a folder-to-topic naming rule, a
// lightweight-metadata-only scan pass, and an AGENTS.md
// <available_skills> manifest as the server-authoritative source when
// present.
package discovery

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SkillEntry is the lightweight metadata discovery keeps in memory —
// loading the full SKILL.md body is a separate, on-demand step
// (progressive disclosure).
type SkillEntry struct {
	Name        string
	Description string
	Topic       string
	Location    string // directory name, relative to its topic folder
	TopicDir    string // absolute path to the topic folder
}

// dir returns the skill's absolute directory.
func (e SkillEntry) dir() string {
	return filepath.Join(e.TopicDir, e.Location)
}

// TopicInfo aggregates a topic's server-provided description and its
// skills.
type TopicInfo struct {
	Topic       string
	Description string
	Skills      []SkillEntry
}

// Snapshot is the immutable result of one scan. Rescans build a new
// Snapshot and the owner swaps the pointer; nothing here is mutated in
// place.
type Snapshot struct {
	topics map[string]TopicInfo
	skills map[string]SkillEntry
}

// Topics returns topic names in sorted order.
func (s *Snapshot) Topics() []string {
	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Topic looks up one topic's aggregated info.
func (s *Snapshot) Topic(topic string) (TopicInfo, bool) {
	t, ok := s.topics[topic]
	return t, ok
}

// SkillsForTopic returns the skills registered under topic, or nil.
func (s *Snapshot) SkillsForTopic(topic string) []SkillEntry {
	t, ok := s.topics[topic]
	if !ok {
		return nil
	}
	return t.Skills
}

// Skill looks up a skill by name across all topics.
func (s *Snapshot) Skill(name string) (SkillEntry, bool) {
	e, ok := s.skills[name]
	return e, ok
}

// SkillDetail is the full, on-demand-loaded content of a skill's
// SKILL.md, plus its resolved executable path (empty if none).
type SkillDetail struct {
	Name         string
	Description  string
	Instructions string
	BaseDir      string
	ScriptPath   string // absolute path to scripts/run.<ext>, or ""
}

// topicNameFrom derives TOPIC_<FOLDER_UPPERCASE> from a directory name,
// with dashes folded to underscores.
func topicNameFrom(folder string) string {
	upper := strings.ToUpper(folder)
	upper = strings.ReplaceAll(upper, "-", "_")
	return "TOPIC_" + upper
}

// Scanner walks a skills root and produces Snapshots.
type Scanner struct {
	Root              string
	TopicDescriptions map[string]string // topic -> server-provided description
}

// NewScanner builds a Scanner over root.
func NewScanner(root string) *Scanner {
	return &Scanner{Root: root, TopicDescriptions: map[string]string{}}
}

// Scan walks Root's direct subdirectories and builds a fresh Snapshot.
// A missing root is not an error: it yields an empty snapshot, matching
// discovery.py's "skills root not found" warn-and-continue behavior.
func (sc *Scanner) Scan() (*Snapshot, error) {
	snap := &Snapshot{
		topics: map[string]TopicInfo{},
		skills: map[string]SkillEntry{},
	}

	root, err := filepath.Abs(sc.Root)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve root %s: %w", sc.Root, err)
	}

	folders, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("discovery: read root %s: %w", root, err)
	}

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		if f.IsDir() {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, folder := range names {
		topic := topicNameFrom(folder)
		topicDir := filepath.Join(root, folder)

		entries, err := sc.scanTopicFolder(topic, topicDir)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}

		info := TopicInfo{
			Topic:       topic,
			Description: sc.TopicDescriptions[topic],
			Skills:      entries,
		}
		snap.topics[topic] = info
		for _, e := range entries {
			snap.skills[e.Name] = e
		}
	}

	return snap, nil
}

// scanTopicFolder resolves one topic folder's skill list: AGENTS.md's
// <available_skills> block if present (server-authoritative), else a
// one-level-deep scan for SKILL.md-bearing directories.
func (sc *Scanner) scanTopicFolder(topic, topicDir string) ([]SkillEntry, error) {
	agentsPath := filepath.Join(topicDir, "AGENTS.md")
	if _, err := os.Stat(agentsPath); err == nil {
		return sc.parseAgentsManifest(agentsPath, topic, topicDir)
	}

	var entries []SkillEntry
	children, err := os.ReadDir(topicDir)
	if err != nil {
		return nil, fmt.Errorf("discovery: read topic folder %s: %w", topicDir, err)
	}
	childNames := make([]string, 0, len(children))
	for _, c := range children {
		if c.IsDir() {
			childNames = append(childNames, c.Name())
		}
	}
	sort.Strings(childNames)

	for _, name := range childNames {
		skillMd := filepath.Join(topicDir, name, "SKILL.md")
		header, _, err := parseSkillMD(skillMd)
		if err != nil {
			continue // missing SKILL.md or unreadable: not a skill directory
		}
		skillName := header["name"]
		if skillName == "" {
			skillName = name
		}
		entries = append(entries, SkillEntry{
			Name:        skillName,
			Description: header["description"],
			Topic:       topic,
			Location:    name,
			TopicDir:    topicDir,
		})
	}
	return entries, nil
}

type agentsManifest struct {
	XMLName xml.Name      `xml:"root"`
	Skills  []agentsSkill `xml:"skill"`
}

type agentsSkill struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Location    string `xml:"location"`
}

const (
	availableSkillsOpen  = "<available_skills>"
	availableSkillsClose = "</available_skills>"
)

// parseAgentsManifest extracts the <available_skills> block embedded in
// an AGENTS.md markdown file and parses its <skill> children.
func (sc *Scanner) parseAgentsManifest(path, topic, topicDir string) ([]SkillEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	content := string(data)

	start := strings.Index(content, availableSkillsOpen)
	end := strings.Index(content, availableSkillsClose)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("discovery: no <available_skills> block in %s", path)
	}
	inner := content[start+len(availableSkillsOpen) : end]

	var manifest agentsManifest
	if err := xml.Unmarshal([]byte("<root>"+inner+"</root>"), &manifest); err != nil {
		return nil, fmt.Errorf("discovery: parse <available_skills> in %s: %w", path, err)
	}

	entries := make([]SkillEntry, 0, len(manifest.Skills))
	for _, s := range manifest.Skills {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		entries = append(entries, SkillEntry{
			Name:        name,
			Description: strings.TrimSpace(s.Description),
			Topic:       topic,
			Location:    strings.TrimSpace(strings.TrimSuffix(s.Location, "/")),
			TopicDir:    topicDir,
		})
	}
	return entries, nil
}

// parseSkillMD extracts the --- delimited YAML-ish header and the body
// from a SKILL.md file: header is a block of "key: value" lines between
// two --- delimiters, body is everything beneath the second delimiter.
// The header parse is deliberately a flat key:value line scan, not a
// full YAML parser.
func parseSkillMD(path string) (header map[string]string, body string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	content := string(data)

	const delim = "---"
	if !strings.HasPrefix(content, delim) {
		return nil, "", fmt.Errorf("discovery: %s has no frontmatter", path)
	}
	rest := content[len(delim):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return nil, "", fmt.Errorf("discovery: %s frontmatter not closed", path)
	}
	block := rest[:end]
	body = strings.TrimSpace(rest[end+len("\n"+delim):])

	header = map[string]string{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		header[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if header["name"] == "" {
		return nil, "", fmt.Errorf("discovery: %s missing required 'name' field", path)
	}
	return header, body, nil
}

// LoadDetail loads a skill's full SKILL.md body and resolves its
// executable, on demand — the progressive-disclosure step after a
// skill has been selected from a topic's summary list. It does not
// require a prior Scan: callers pass the SkillEntry they already
// resolved via topic lookup.
func LoadDetail(e SkillEntry) (*SkillDetail, error) {
	skillDir := e.dir()
	skillMd := filepath.Join(skillDir, "SKILL.md")
	header, body, err := parseSkillMD(skillMd)
	if err != nil {
		return nil, fmt.Errorf("discovery: load detail for %s: %w", e.Name, err)
	}

	name := header["name"]
	if name == "" {
		name = e.Name
	}
	desc := header["description"]
	if desc == "" {
		desc = e.Description
	}

	absDir, err := filepath.Abs(skillDir)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve skill dir %s: %w", skillDir, err)
	}

	return &SkillDetail{
		Name:         name,
		Description:  desc,
		Instructions: body,
		BaseDir:      absDir,
		ScriptPath:   resolveExecutable(absDir),
	}, nil
}

// resolveExecutable finds the first scripts/run.<any-ext> file in dir,
// in sorted order. A missing executable is not an error here — it
// surfaces as an empty ScriptPath, a recoverable condition the caller
// turns into an execution error.
func resolveExecutable(dir string) string {
	scriptsDir := filepath.Join(dir, "scripts")
	entries, err := os.ReadDir(scriptsDir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasPrefix(name, "run.") {
			return filepath.Join(scriptsDir, name)
		}
	}
	return ""
}
