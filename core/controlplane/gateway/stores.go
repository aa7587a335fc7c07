package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/openclaw/core/sessionkey"
)

// pathLocks serializes writers per file so unrelated tenants never contend.
var pathLocks sync.Map

func lockPath(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func saveJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Agent is one configured agent persona in a tenant's store.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Skill is one installed skill definition.
type Skill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChannelState tracks one messaging channel's lifecycle.
type ChannelState struct {
	Running   bool       `json:"running"`
	LoggedIn  bool       `json:"loggedIn"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// VoiceWake is the wake-word toggle.
type VoiceWake struct {
	Enabled bool   `json:"enabled"`
	Phrase  string `json:"phrase,omitempty"`
}

// PairRequest is one pending or approved device/node pairing.
type PairRequest struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	SubjectID   string     `json:"subjectId"`
	DisplayName string     `json:"displayName,omitempty"`
	Approved    bool       `json:"approved"`
	RequestedAt time.Time  `json:"requestedAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
}

// stateStore reads and writes the JSON documents under one state
// directory: a tenant's subtree, or the global state dir for control-plane
// callers.
type stateStore struct {
	root string
	now  func() time.Time
}

func newStateStore(root string) *stateStore {
	return &stateStore{root: root, now: time.Now}
}

func (s *stateStore) agentsPath() string    { return filepath.Join(s.root, "agents", "agents.json") }
func (s *stateStore) skillsPath() string    { return filepath.Join(s.root, "plugins", "skills.json") }
func (s *stateStore) channelsPath() string  { return filepath.Join(s.root, "channels.json") }
func (s *stateStore) voicewakePath() string { return filepath.Join(s.root, "voicewake.json") }
func (s *stateStore) pairingPath() string   { return filepath.Join(s.root, "pairing.json") }
func (s *stateStore) overlayPath() string   { return filepath.Join(s.root, "openclaw.json") }

// sessionDir places transcripts under agents/{agentId}/sessions, the agent
// being parsed from the key. Keys not in tenant form land under the default
// agent.
func (s *stateStore) sessionDir(sessionKey string) string {
	agentID := sessionAgentID(sessionKey)
	return filepath.Join(s.root, "agents", agentID, "sessions")
}

// sessionAgentID normalizes the parsed agent so a hand-crafted key can never
// escape the agents directory.
func sessionAgentID(sessionKey string) string {
	if parsed, ok := sessionkey.ParseTenantKey(sessionKey); ok {
		return sessionkey.NormalizeAgentID(parsed.AgentID)
	}
	return sessionkey.DefaultMainKey
}

// --- agents ---

type agentsFile struct {
	Version int               `json:"version"`
	Agents  map[string]*Agent `json:"agents"`
}

func (s *stateStore) loadAgents() (*agentsFile, error) {
	doc := &agentsFile{Version: 1, Agents: map[string]*Agent{}}
	if err := loadJSON(s.agentsPath(), doc); err != nil {
		return nil, err
	}
	if doc.Agents == nil {
		doc.Agents = map[string]*Agent{}
	}
	return doc, nil
}

func (s *stateStore) ListAgents() ([]*Agent, error) {
	mu := lockPath(s.agentsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadAgents()
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(doc.Agents))
	for _, a := range doc.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stateStore) GetAgent(agentID string) (*Agent, error) {
	mu := lockPath(s.agentsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadAgents()
	if err != nil {
		return nil, err
	}
	a, ok := doc.Agents[agentID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return a, nil
}

func (s *stateStore) CreateAgent(name, model, instructions string) (*Agent, error) {
	mu := lockPath(s.agentsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadAgents()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a := &Agent{
		ID: uuid.NewString(), Name: name, Model: model,
		Instructions: instructions, CreatedAt: now, UpdatedAt: now,
	}
	doc.Agents[a.ID] = a
	if err := saveJSON(s.agentsPath(), doc); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *stateStore) UpdateAgent(agentID string, name, model, instructions *string) (*Agent, error) {
	mu := lockPath(s.agentsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadAgents()
	if err != nil {
		return nil, err
	}
	a, ok := doc.Agents[agentID]
	if !ok {
		return nil, os.ErrNotExist
	}
	if name != nil {
		a.Name = *name
	}
	if model != nil {
		a.Model = *model
	}
	if instructions != nil {
		a.Instructions = *instructions
	}
	a.UpdatedAt = s.now().UTC()
	if err := saveJSON(s.agentsPath(), doc); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *stateStore) DeleteAgent(agentID string) error {
	mu := lockPath(s.agentsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadAgents()
	if err != nil {
		return err
	}
	if _, ok := doc.Agents[agentID]; !ok {
		return os.ErrNotExist
	}
	delete(doc.Agents, agentID)
	return saveJSON(s.agentsPath(), doc)
}

// --- skills ---

type skillsFile struct {
	Version int               `json:"version"`
	Skills  map[string]*Skill `json:"skills"`
}

func (s *stateStore) loadSkills() (*skillsFile, error) {
	doc := &skillsFile{Version: 1, Skills: map[string]*Skill{}}
	if err := loadJSON(s.skillsPath(), doc); err != nil {
		return nil, err
	}
	if doc.Skills == nil {
		doc.Skills = map[string]*Skill{}
	}
	return doc, nil
}

func (s *stateStore) ListSkills() ([]*Skill, error) {
	mu := lockPath(s.skillsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadSkills()
	if err != nil {
		return nil, err
	}
	out := make([]*Skill, 0, len(doc.Skills))
	for _, sk := range doc.Skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stateStore) GetSkill(skillID string) (*Skill, error) {
	mu := lockPath(s.skillsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadSkills()
	if err != nil {
		return nil, err
	}
	sk, ok := doc.Skills[skillID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return sk, nil
}

func (s *stateStore) CreateSkill(name, description, source string) (*Skill, error) {
	mu := lockPath(s.skillsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadSkills()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sk := &Skill{
		ID: uuid.NewString(), Name: name, Description: description,
		Source: source, CreatedAt: now, UpdatedAt: now,
	}
	doc.Skills[sk.ID] = sk
	if err := saveJSON(s.skillsPath(), doc); err != nil {
		return nil, err
	}
	return sk, nil
}

func (s *stateStore) UpdateSkill(skillID string, name, description, source *string) (*Skill, error) {
	mu := lockPath(s.skillsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadSkills()
	if err != nil {
		return nil, err
	}
	sk, ok := doc.Skills[skillID]
	if !ok {
		return nil, os.ErrNotExist
	}
	if name != nil {
		sk.Name = *name
	}
	if description != nil {
		sk.Description = *description
	}
	if source != nil {
		sk.Source = *source
	}
	sk.UpdatedAt = s.now().UTC()
	if err := saveJSON(s.skillsPath(), doc); err != nil {
		return nil, err
	}
	return sk, nil
}

func (s *stateStore) DeleteSkill(skillID string) error {
	mu := lockPath(s.skillsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadSkills()
	if err != nil {
		return err
	}
	if _, ok := doc.Skills[skillID]; !ok {
		return os.ErrNotExist
	}
	delete(doc.Skills, skillID)
	return saveJSON(s.skillsPath(), doc)
}

// --- channels ---

func (s *stateStore) loadChannels() (map[string]*ChannelState, error) {
	doc := map[string]*ChannelState{}
	if err := loadJSON(s.channelsPath(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *stateStore) Channels() (map[string]*ChannelState, error) {
	mu := lockPath(s.channelsPath())
	mu.Lock()
	defer mu.Unlock()
	return s.loadChannels()
}

// SetChannel mutates one channel's state through fn and persists.
func (s *stateStore) SetChannel(channel string, fn func(*ChannelState)) (*ChannelState, error) {
	mu := lockPath(s.channelsPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadChannels()
	if err != nil {
		return nil, err
	}
	state, ok := doc[channel]
	if !ok {
		state = &ChannelState{}
		doc[channel] = state
	}
	fn(state)
	if err := saveJSON(s.channelsPath(), doc); err != nil {
		return nil, err
	}
	return state, nil
}

// --- voicewake ---

func (s *stateStore) VoiceWake() (*VoiceWake, error) {
	mu := lockPath(s.voicewakePath())
	mu.Lock()
	defer mu.Unlock()
	vw := &VoiceWake{}
	if err := loadJSON(s.voicewakePath(), vw); err != nil {
		return nil, err
	}
	return vw, nil
}

func (s *stateStore) SetVoiceWake(vw VoiceWake) error {
	mu := lockPath(s.voicewakePath())
	mu.Lock()
	defer mu.Unlock()
	return saveJSON(s.voicewakePath(), &vw)
}

// --- pairing ---

type pairingFile struct {
	Version  int            `json:"version"`
	Requests []*PairRequest `json:"requests"`
}

func (s *stateStore) loadPairing() (*pairingFile, error) {
	doc := &pairingFile{Version: 1}
	if err := loadJSON(s.pairingPath(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *stateStore) PairRequests(kind string) ([]*PairRequest, error) {
	mu := lockPath(s.pairingPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadPairing()
	if err != nil {
		return nil, err
	}
	out := make([]*PairRequest, 0, len(doc.Requests))
	for _, req := range doc.Requests {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *stateStore) AddPairRequest(kind, subjectID, displayName string) (*PairRequest, error) {
	mu := lockPath(s.pairingPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadPairing()
	if err != nil {
		return nil, err
	}
	req := &PairRequest{
		ID: uuid.NewString(), Kind: kind, SubjectID: subjectID,
		DisplayName: displayName, RequestedAt: s.now().UTC(),
	}
	doc.Requests = append(doc.Requests, req)
	if err := saveJSON(s.pairingPath(), doc); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *stateStore) ApprovePairRequest(requestID string) (*PairRequest, error) {
	mu := lockPath(s.pairingPath())
	mu.Lock()
	defer mu.Unlock()
	doc, err := s.loadPairing()
	if err != nil {
		return nil, err
	}
	for _, req := range doc.Requests {
		if req.ID == requestID {
			now := s.now().UTC()
			req.Approved = true
			req.ApprovedAt = &now
			if err := saveJSON(s.pairingPath(), doc); err != nil {
				return nil, err
			}
			return req, nil
		}
	}
	return nil, os.ErrNotExist
}

// --- config overlay ---

func (s *stateStore) Overlay() (map[string]any, error) {
	mu := lockPath(s.overlayPath())
	mu.Lock()
	defer mu.Unlock()
	doc := map[string]any{}
	if err := loadJSON(s.overlayPath(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *stateStore) SetOverlay(doc map[string]any) error {
	mu := lockPath(s.overlayPath())
	mu.Lock()
	defer mu.Unlock()
	return saveJSON(s.overlayPath(), doc)
}

// PatchOverlay merges top-level keys; a null value deletes the key.
func (s *stateStore) PatchOverlay(patch map[string]any) (map[string]any, error) {
	mu := lockPath(s.overlayPath())
	mu.Lock()
	defer mu.Unlock()
	doc := map[string]any{}
	if err := loadJSON(s.overlayPath(), &doc); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	if err := saveJSON(s.overlayPath(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// --- session transcripts ---

var sessionFileUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// sessionFileName flattens a session key into a stable filename.
func sessionFileName(sessionKey string) string {
	return sessionFileUnsafe.ReplaceAllString(sessionKey, "_") + ".jsonl"
}

// TranscriptLine is one appended chat exchange entry.
type TranscriptLine struct {
	Timestamp time.Time `json:"ts"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
}

func (s *stateStore) AppendTranscript(sessionKey string, line TranscriptLine) error {
	dir := s.sessionDir(sessionKey)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, sessionFileName(sessionKey))
	mu := lockPath(path)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// SessionInfo summarizes one stored transcript.
type SessionInfo struct {
	File       string    `json:"file"`
	AgentID    string    `json:"agentId"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ListSessions walks every agent's session directory.
func (s *stateStore) ListSessions() ([]SessionInfo, error) {
	agents, err := os.ReadDir(filepath.Join(s.root, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []SessionInfo
	for _, agent := range agents {
		if !agent.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, "agents", agent.Name(), "sessions"))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			out = append(out, SessionInfo{
				File:       strings.TrimSuffix(entry.Name(), ".jsonl"),
				AgentID:    agent.Name(),
				SizeBytes:  info.Size(),
				ModifiedAt: info.ModTime().UTC(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out, nil
}

// PreviewSession returns up to limit most recent transcript lines.
func (s *stateStore) PreviewSession(sessionKey string, limit int) ([]TranscriptLine, error) {
	if limit <= 0 {
		limit = 20
	}
	path := filepath.Join(s.sessionDir(sessionKey), sessionFileName(sessionKey))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	var lines []TranscriptLine
	for _, raw := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if raw == "" {
			continue
		}
		var line TranscriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("corrupt transcript line: %w", err)
		}
		lines = append(lines, line)
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
