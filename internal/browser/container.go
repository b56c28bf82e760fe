package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

const (
	DefaultContainerImage = "chromedp/headless-shell:latest"
	DefaultContainerPort  = 9222

	containerDataDir = "/data"
)

// ContainerInstance is a running browser container
type ContainerInstance struct {
	ContainerID string
	Port        string

	// DebuggerURL is the browser-level DevTools websocket reported by
	// /json/version. chromedp and the debug proxy both attach to it.
	DebuggerURL string

	UserDataDir string
}

// LaunchOptions returns options that point a chromedp launch at this container
func (i *ContainerInstance) LaunchOptions(base LaunchOptions) LaunchOptions {
	opts := base
	opts.RemoteURL = i.DebuggerURL
	opts.RemoteURLExact = true
	opts.DebuggerURL = i.DebuggerURL
	return opts
}

// ContainerHost runs Chrome inside a docker container with the persistent
// profile bind-mounted, for hosts without a local Chrome install. The image
// must accept Chrome flags as its command, as chromedp/headless-shell does.
type ContainerHost struct {
	client *client.Client
	image  string
	port   nat.Port
	logger zerolog.Logger

	readyRetries  int
	readyInterval time.Duration
}

func NewContainerHost(imageName string, port int, logger zerolog.Logger) (*ContainerHost, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if imageName == "" {
		imageName = DefaultContainerImage
	}
	if port <= 0 {
		port = DefaultContainerPort
	}

	return &ContainerHost{
		client:        cli,
		image:         imageName,
		port:          nat.Port(fmt.Sprintf("%d/tcp", port)),
		logger:        logger,
		readyRetries:  40, // 20 seconds total
		readyInterval: 500 * time.Millisecond,
	}, nil
}

// Start launches a browser container for the profile directory and waits for
// its DevTools endpoint.
func (h *ContainerHost) Start(ctx context.Context, opts LaunchOptions) (*ContainerInstance, error) {
	vp := opts.viewport()

	absDir, err := filepath.Abs(opts.UserDataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	cmd := []string{
		"--user-data-dir=" + containerDataDir,
		fmt.Sprintf("--window-size=%d,%d", vp.Width, vp.Height),
		"--disable-setuid-sandbox",
	}
	if opts.UserAgent != "" {
		cmd = append(cmd, "--user-agent="+opts.UserAgent)
	}

	containerConfig := &container.Config{
		Image: h.image,
		Cmd:   cmd,
		Labels: map[string]string{
			"managed-by": "sessionshot",
			"profile":    absDir,
		},
		ExposedPorts: nat.PortSet{
			h.port: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			h.port: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: absDir,
				Target: containerDataDir,
			},
		},
	}

	resp, err := h.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := h.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		h.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := h.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		h.Stop(context.Background(), resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[h.port]
	if len(bindings) == 0 {
		h.Stop(context.Background(), resp.ID)
		return nil, fmt.Errorf("container %s has no port binding for %s", shortID(resp.ID), h.port)
	}
	port := bindings[0].HostPort

	versionURL := fmt.Sprintf("http://localhost:%s/json/version", port)
	debuggerURL, err := waitForDebugger(ctx, versionURL, h.readyRetries, h.readyInterval)
	if err != nil {
		h.Stop(context.Background(), resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	h.logger.Info().
		Str("container", shortID(resp.ID)).
		Str("port", port).
		Str("profile", absDir).
		Msg("browser container started")

	return &ContainerInstance{
		ContainerID: resp.ID,
		Port:        port,
		DebuggerURL: debuggerURL,
		UserDataDir: absDir,
	}, nil
}

// Stop stops and removes the container
func (h *ContainerHost) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := h.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		h.remove(containerID)
		return fmt.Errorf("failed to stop container: %w", err)
	}

	return h.remove(containerID)
}

func (h *ContainerHost) remove(containerID string) error {
	if err := h.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsRunning reports whether the container is still up
func (h *ContainerHost) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := h.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// EnsureImage pulls the browser image unless it is already present
func (h *ContainerHost) EnsureImage(ctx context.Context) error {
	images, err := h.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == h.image {
				return nil
			}
		}
	}

	h.logger.Info().Str("image", h.image).Msg("pulling browser image")

	reader, err := h.client.ImagePull(ctx, h.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (h *ContainerHost) Close() error {
	return h.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// waitForDebugger polls /json/version until the browser answers and returns
// its browser-level websocket URL
func waitForDebugger(ctx context.Context, versionURL string, retries int, interval time.Duration) (string, error) {
	var lastErr error

	for i := 0; i < retries; i++ {
		wsURL, err := fetchDebuggerURL(ctx, versionURL)
		if err == nil {
			return wsURL, nil
		}
		lastErr = err

		if err := Sleep(ctx, interval); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("browser did not become ready after %d retries: %w", retries, lastErr)
}

func fetchDebuggerURL(ctx context.Context, versionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("invalid version response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("version response has no webSocketDebuggerUrl")
	}

	return info.WebSocketDebuggerURL, nil
}
