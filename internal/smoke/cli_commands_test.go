package smoke

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSmoke_CLIStatusOutputsHealthzJSON(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	startServer(t, bin, home, addr)

	s := exec.Command(bin, "status")
	s.Env = env(home, addr)
	out, err := s.CombinedOutput()
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}

	var body map[string]any
	if err := json.Unmarshal(out, &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, out)
	}
	if body["healthy"] != true {
		t.Fatalf("expected healthy=true in status output: %#v", body)
	}
	if body["executor"] != "running" {
		t.Fatalf("expected running executor: %#v", body)
	}
}

func TestSmoke_CLIStatusFailsWithoutServer(t *testing.T) {
	bin := buildBinary(t)
	s := exec.Command(bin, "status")
	s.Env = env(t.TempDir(), pickFreeAddr(t))
	if out, err := s.CombinedOutput(); err == nil {
		t.Fatalf("expected status to fail with no server\n%s", out)
	}
}

func TestSmoke_CLIDumpPrintsProjects(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	startServer(t, bin, home, addr)

	c := newClient(t, addr)
	project := c.createProject("dumped", 256, 128)
	c.createPrompt(project, "a lighthouse")

	d := exec.Command(bin, "dump")
	d.Env = env(home, addr)
	var stdout, stderr bytes.Buffer
	d.Stdout = &stdout
	d.Stderr = &stderr
	if err := d.Run(); err != nil {
		t.Fatalf("dump failed: %v\n%s", err, stderr.String())
	}

	var tree struct {
		Projects []struct {
			ID      string `yaml:"id"`
			Name    string `yaml:"name"`
			Width   int    `yaml:"image_width"`
			Prompts []struct {
				Text string `yaml:"text"`
			} `yaml:"prompts"`
		} `yaml:"projects"`
	}
	if err := yaml.Unmarshal(stdout.Bytes(), &tree); err != nil {
		t.Fatalf("dump output not YAML: %v\n%s", err, stdout.String())
	}
	if len(tree.Projects) != 1 || tree.Projects[0].ID != project || tree.Projects[0].Width != 256 {
		t.Fatalf("unexpected projects: %+v", tree.Projects)
	}
	if len(tree.Projects[0].Prompts) != 1 || tree.Projects[0].Prompts[0].Text != "a lighthouse" {
		t.Fatalf("unexpected prompts: %+v", tree.Projects[0].Prompts)
	}
}

func TestSmoke_CLIDoctorJSON(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()

	d := exec.Command(bin, "doctor", "-json")
	d.Env = env(home, pickFreeAddr(t))
	var stdout, stderr bytes.Buffer
	d.Stdout = &stdout
	d.Stderr = &stderr
	if err := d.Run(); err != nil {
		t.Fatalf("doctor failed: %v\nstdout=%s\nstderr=%s", err, stdout.String(), stderr.String())
	}

	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &diag); err != nil {
		t.Fatalf("doctor output not JSON: %v\n%s", err, stdout.String())
	}
	statuses := map[string]string{}
	for _, r := range diag.Results {
		statuses[r.Name] = r.Status
	}
	if statuses["Engine"] != "PASS" {
		t.Fatalf("expected the built-in engine to pass the probe: %v", statuses)
	}
	if statuses["Listener"] != "PASS" {
		t.Fatalf("expected a free listener: %v", statuses)
	}
}

func TestSmoke_CLILogLevelHotReloads(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)
	out := startServer(t, bin, home, addr)

	l := exec.Command(bin, "loglevel", "debug")
	l.Env = env(home, addr)
	if combined, err := l.CombinedOutput(); err != nil {
		t.Fatalf("loglevel failed: %v\n%s", err, combined)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(readLog(t, home), `"msg":"log level hot-reloaded"`) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("log level change was not picked up\noutput=%s\nlog=%s", out.String(), readLog(t, home))
}
