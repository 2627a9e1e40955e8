package engine

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Podman talks to a Podman engine over its libpod REST API on a unix socket.
type Podman struct {
	id         string
	base       string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewPodman returns a client for the libpod socket at socketPath.
func NewPodman(id, socketPath string, log zerolog.Logger) *Podman {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	// Timeout stays 0: long-lived calls (pull, build, events) carry their own
	// context deadlines.
	return &Podman{
		id:         id,
		base:       "http://d/v4.0.0/libpod",
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		log:        log.With().Str("engine", id).Logger(),
	}
}

func (p *Podman) ID() string { return p.id }

func (p *Podman) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (p *Podman) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := p.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Podman) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.doJSON(ctx, http.MethodGet, "/_ping", nil, nil)
}

func (p *Podman) PullImage(ctx context.Context, name string) error {
	path := "/images/pull?reference=" + url.QueryEscape(name)
	resp, err := p.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// The pull endpoint streams progress JSON; errors arrive in-band.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("pull %s: %s", name, msg.Error)
		}
	}
}

func (p *Podman) ImageExists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/images/"+url.PathEscape(name)+"/exists", nil)
	if err != nil {
		return false, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("image exists %s: %s", name, resp.Status)
	}
}

func (p *Podman) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	q := url.Values{}
	q.Set("t", opts.Tag)
	if opts.Containerfile != "" {
		q.Set("dockerfile", opts.Containerfile)
	}
	if opts.Arch != "" {
		q.Set("platform", "linux/"+opts.Arch)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, opts.ContextDir))
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/build?"+q.Encode(), pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-tar")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("build %s: %s: %s", opts.Tag, resp.Status, strings.TrimSpace(string(b)))
	}
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return opts.Tag, nil
			}
			return "", err
		}
		if msg.Error != "" {
			return "", fmt.Errorf("build %s: %s", opts.Tag, msg.Error)
		}
	}
}

// writeTar streams dir as a tar archive for the build endpoint.
func writeTar(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// specgen mirrors the subset of the libpod container create payload we use.
type specgen struct {
	Name        string            `json:"name,omitempty"`
	Image       string            `json:"image"`
	Pod         string            `json:"pod,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Command     []string          `json:"command,omitempty"`
	User        string            `json:"user,omitempty"`
	Mounts      []specMount       `json:"mounts,omitempty"`
	PortMap     []specPort        `json:"portmappings,omitempty"`
	Devices     []specDevice      `json:"devices,omitempty"`
	HealthCfg   *specHealth       `json:"healthconfig,omitempty"`
}

type specMount struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Options     []string `json:"options,omitempty"`
}

type specPort struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

type specDevice struct {
	Path string `json:"path"`
}

type specHealth struct {
	Test     []string `json:"Test"`
	Interval int64    `json:"Interval,omitempty"`
}

func toSpecgen(spec ContainerSpec) specgen {
	sg := specgen{
		Name:       spec.Name,
		Image:      spec.Image,
		Pod:        spec.PodID,
		Env:        spec.Env,
		Labels:     spec.Labels,
		Entrypoint: spec.Entrypoint,
		Command:    spec.Cmd,
		User:       spec.User,
	}
	for _, m := range spec.Mounts {
		opts := []string(nil)
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		sg.Mounts = append(sg.Mounts, specMount{Source: m.Source, Destination: m.Target, Type: "bind", Options: opts})
	}
	for _, pb := range spec.Ports {
		sg.PortMap = append(sg.PortMap, specPort{ContainerPort: pb.ContainerPort, HostPort: pb.HostPort})
	}
	for _, d := range spec.Devices {
		sg.Devices = append(sg.Devices, specDevice{Path: d})
	}
	if spec.HealthCmd != "" {
		interval := 30 * time.Second
		if spec.HealthInterval != "" {
			if d, err := time.ParseDuration(spec.HealthInterval); err == nil {
				interval = d
			}
		}
		// libpod expects exactly one command string after CMD-SHELL.
		sg.HealthCfg = &specHealth{Test: []string{"CMD-SHELL", spec.HealthCmd}, Interval: int64(interval)}
	}
	return sg
}

func (p *Podman) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var out struct {
		ID string `json:"Id"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/containers/create", toSpecgen(spec), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Podman) StartContainer(ctx context.Context, id string) error {
	return p.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil)
}

func (p *Podman) StopContainer(ctx context.Context, id string) error {
	return p.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (p *Podman) RemoveContainer(ctx context.Context, id string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(id)+"?force=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Podman) InspectContainer(ctx context.Context, id string) (ContainerDetail, error) {
	var raw struct {
		ID    string `json:"Id"`
		State struct {
			Running  bool `json:"Running"`
			ExitCode int  `json:"ExitCode"`
			Health   struct {
				Status string `json:"Status"`
			} `json:"Health"`
		} `json:"State"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/containers/"+url.PathEscape(id)+"/json", nil, &raw); err != nil {
		return ContainerDetail{}, err
	}
	health := raw.State.Health.Status
	if health == "" {
		health = HealthNone
	}
	return ContainerDetail{ID: raw.ID, Running: raw.State.Running, ExitCode: raw.State.ExitCode, Health: health}, nil
}

func labelFilterParam(filter map[string]string) string {
	labels := make([]string, 0, len(filter))
	for k, v := range filter {
		labels = append(labels, k+"="+v)
	}
	b, _ := json.Marshal(map[string][]string{"label": labels})
	return url.QueryEscape(string(b))
}

func (p *Podman) ListContainers(ctx context.Context, filter map[string]string) ([]ContainerSummary, error) {
	path := "/containers/json?all=true"
	if len(filter) > 0 {
		path += "&filters=" + labelFilterParam(filter)
	}
	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		Image  string            `json:"Image"`
		State  string            `json:"State"`
		Pod    string            `json:"Pod"`
		Labels map[string]string `json:"Labels"`
		Ports  []struct {
			ContainerPort int `json:"container_port"`
			HostPort      int `json:"host_port"`
		} `json:"Ports"`
	}
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ContainerSummary, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		s := ContainerSummary{ID: c.ID, Name: name, Image: c.Image, State: c.State, PodID: c.Pod, Labels: c.Labels}
		for _, pt := range c.Ports {
			s.Ports = append(s.Ports, PortBinding{ContainerPort: pt.ContainerPort, HostPort: pt.HostPort})
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Podman) CreatePod(ctx context.Context, spec PodSpec) (string, error) {
	payload := map[string]any{
		"name":   spec.Name,
		"labels": spec.Labels,
	}
	if len(spec.Ports) > 0 {
		ports := make([]specPort, 0, len(spec.Ports))
		for _, pb := range spec.Ports {
			ports = append(ports, specPort{ContainerPort: pb.ContainerPort, HostPort: pb.HostPort})
		}
		payload["portmappings"] = ports
	}
	var out struct {
		ID string `json:"Id"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/pods/create", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Podman) StartPod(ctx context.Context, id string) error {
	return p.doJSON(ctx, http.MethodPost, "/pods/"+url.PathEscape(id)+"/start", nil, nil)
}

func (p *Podman) StopPod(ctx context.Context, id string) error {
	return p.doJSON(ctx, http.MethodPost, "/pods/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (p *Podman) RemovePod(ctx context.Context, id string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/pods/"+url.PathEscape(id)+"?force=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Podman) ListPods(ctx context.Context, filter map[string]string) ([]PodInfo, error) {
	path := "/pods/json"
	if len(filter) > 0 {
		path += "?filters=" + labelFilterParam(filter)
	}
	var raw []struct {
		ID         string            `json:"Id"`
		Name       string            `json:"Name"`
		Status     string            `json:"Status"`
		Labels     map[string]string `json:"Labels"`
		Containers []struct {
			ID     string `json:"Id"`
			Names  string `json:"Names"`
			Status string `json:"Status"`
		} `json:"Containers"`
	}
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]PodInfo, 0, len(raw))
	for _, pd := range raw {
		info := PodInfo{ID: pd.ID, Name: pd.Name, Status: pd.Status, Labels: pd.Labels}
		for _, c := range pd.Containers {
			info.Containers = append(info.Containers, PodContainer{ID: c.ID, Name: c.Names, Status: c.Status})
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *Podman) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/events?stream=true", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("events: %s", resp.Status)
	}
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var raw struct {
				Type   string `json:"Type"`
				Action string `json:"Action"`
				Actor  struct {
					ID         string            `json:"ID"`
					Attributes map[string]string `json:"Attributes"`
				} `json:"Actor"`
			}
			if err := json.Unmarshal(line, &raw); err != nil {
				p.log.Debug().Err(err).Msg("skipping unparseable engine event")
				continue
			}
			ev := Event{Type: raw.Type, Action: raw.Action, ID: raw.Actor.ID, Labels: raw.Actor.Attributes}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("engine event stream ended")
		}
	}()
	return ch, nil
}

// HostPortOf returns the first host port bound for containerPort, or 0.
func HostPortOf(ports []PortBinding, containerPort int) int {
	for _, pb := range ports {
		if pb.ContainerPort == containerPort {
			return pb.HostPort
		}
	}
	return 0
}
