package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func skillProvider(t *testing.T) (*SkillProvider, Deps) {
	t.Helper()
	d := newTestDeps(t)
	return &SkillProvider{d: d}, d
}

func installSkill(t *testing.T, d Deps, name, content string) {
	t.Helper()
	if err := os.MkdirAll(d.Config.SkillsDir(), 0o700); err != nil {
		t.Fatalf("mkdir skills: %v", err)
	}
	if err := os.WriteFile(filepath.Join(d.Config.SkillsDir(), name), []byte(content), 0o600); err != nil {
		t.Fatalf("write skill %s: %v", name, err)
	}
}

func TestSkillListSortedWithoutNoise(t *testing.T) {
	p, d := skillProvider(t)
	installSkill(t, d, "weather.md", "# Weather")
	installSkill(t, d, "calendar.md", "# Calendar")
	installSkill(t, d, "README.txt", "not a skill")
	if err := os.Mkdir(filepath.Join(d.Config.SkillsDir(), proposedSkillsDir), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	res, err := p.List(context.Background(), testRC(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	skills := res.(map[string]interface{})["skills"].([]string)
	if len(skills) != 2 || skills[0] != "calendar" || skills[1] != "weather" {
		t.Errorf("skills: %v", skills)
	}
}

func TestSkillListEmptyDirectory(t *testing.T) {
	p, _ := skillProvider(t)
	res, err := p.List(context.Background(), testRC(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	skills := res.(map[string]interface{})["skills"].([]string)
	if skills == nil || len(skills) != 0 {
		t.Errorf("skills: %v", skills)
	}
}

func TestSkillRead(t *testing.T) {
	p, d := skillProvider(t)
	installSkill(t, d, "weather.md", "# Weather\n\nCheck the forecast first.")

	res, err := p.Read(context.Background(), testRC(), map[string]interface{}{"name": "weather"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	out := res.(map[string]interface{})
	if out["name"] != "weather" || !strings.Contains(out["content"].(string), "forecast") {
		t.Errorf("result: %+v", out)
	}
}

func TestSkillReadMissing(t *testing.T) {
	p, _ := skillProvider(t)
	_, err := p.Read(context.Background(), testRC(), map[string]interface{}{"name": "ghost"})
	if err == nil || !strings.Contains(err.Error(), "skill not found") {
		t.Errorf("err: %v", err)
	}
}

func TestSkillProposeLandsInStaging(t *testing.T) {
	p, d := skillProvider(t)

	res, err := p.Propose(context.Background(), testRC(), map[string]interface{}{
		"name": "timezones", "content": "# Timezones", "reason": "asked about UTC twice",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if res.(map[string]interface{})["queued"] != true {
		t.Fatalf("result: %+v", res)
	}

	staged := filepath.Join(d.Config.SkillsDir(), proposedSkillsDir, "timezones.md")
	data, err := os.ReadFile(staged)
	if err != nil || string(data) != "# Timezones" {
		t.Errorf("staged skill: %q, %v", data, err)
	}
	// The live set is untouched until the user promotes it.
	if _, err := os.Stat(filepath.Join(d.Config.SkillsDir(), "timezones.md")); !os.IsNotExist(err) {
		t.Error("proposed skill went live directly")
	}
}

func TestSkillProposeBlockedByTaintBudget(t *testing.T) {
	p, d := skillProvider(t)
	rc := testRC()
	taintSession(d, rc.SessionID)

	if _, err := p.Propose(context.Background(), rc, map[string]interface{}{
		"name": "planted", "content": "# Planted",
	}); err == nil {
		t.Error("sensitive action allowed in a tainted session")
	}
}

func TestSkillProposeRejectsInjectedContent(t *testing.T) {
	p, _ := skillProvider(t)
	if _, err := p.Propose(context.Background(), testRC(), map[string]interface{}{
		"name": "sneaky", "content": injectionText,
	}); err == nil {
		t.Error("injected skill content accepted")
	}
}

func TestSkillFileName(t *testing.T) {
	if got := skillFileName("weather"); got != "weather.md" {
		t.Errorf("got %q", got)
	}
	if got := skillFileName("weather.md"); got != "weather.md" {
		t.Errorf("got %q", got)
	}
}
