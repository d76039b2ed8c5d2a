package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/aurcache/aurcache/pkg/errors"
)

// Docker implements Engine with the Docker Engine API.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to host, or to the environment's DOCKER_HOST when
// host is empty.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.E(errors.KindEngine, "docker_connect", err)
	}
	slog.Info("docker_client_created", "host", cli.DaemonHost())
	return &Docker{cli: cli}, nil
}

// classify marks connection failures as engine errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return errors.E(errors.KindEngine, op, err)
	}
	return errors.Wrap(err, op)
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errors.E(errors.KindEngine, "docker_ping", err)
	}
	return nil
}

func (d *Docker) PullImage(ctx context.Context, ref, platform string, progress func(Progress)) (string, error) {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return "", errors.E(errors.KindEngine, "image_pull", err)
		}
		return "", errors.E(errors.KindPull, "image_pull", err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return "", errors.E(errors.KindPull, "image_pull", err)
		}
		p := Progress{ID: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			p.Progress = msg.Progress.String()
		}
		if msg.Error != nil {
			p.Error = msg.Error.Message
		}
		if progress != nil {
			progress(p)
		}
		if msg.Error != nil {
			return "", errors.E(errors.KindPull, "image_pull", msg.Error)
		}
	}

	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil || inspect.ID == "" {
		if client.IsErrConnectionFailed(err) {
			return "", errors.E(errors.KindEngine, "image_inspect", err)
		}
		return "", errors.Errorf(errors.KindPull, "image_inspect", "no image id for %s: %v", ref, err)
	}
	return inspect.ID, nil
}

func (d *Docker) PruneDanglingImages(ctx context.Context) (uint64, error) {
	report, err := d.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, classify("image_prune", err)
	}
	return report.SpaceReclaimed, nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mm := mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
		if m.Type == MountVolume && m.Subpath != "" {
			mm.VolumeOptions = &mount.VolumeOptions{Subpath: m.Subpath}
		}
		mounts = append(mounts, mm)
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			User:         spec.User,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Mounts: mounts,
			Resources: container.Resources{
				NanoCPUs: spec.Resources.NanoCPUs,
				Memory:   spec.Resources.MemoryBytes,
			},
		},
		nil,
		parsePlatform(spec.Platform),
		spec.Name,
	)
	if err != nil {
		return "", classify("container_create", err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("container_create_warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func parsePlatform(p string) *ocispec.Platform {
	if p == "" {
		return nil
	}
	parts := strings.SplitN(p, "/", 3)
	out := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		out.Architecture = parts[1]
	}
	if len(parts) > 2 {
		out.Variant = parts[2]
	}
	return out
}

func (d *Docker) CopyToContainer(ctx context.Context, id, dst string, tarball io.Reader) error {
	return classify("container_copy", d.cli.CopyToContainer(ctx, id, dst, tarball, container.CopyToContainerOptions{}))
}

func (d *Docker) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, classify("container_attach", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		resp.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	return classify("container_start", d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *Docker) WaitContainer(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, errors.Errorf(errors.KindEngine, "container_wait", "%s", st.Error.Message)
		}
		return st.StatusCode, nil
	case err := <-errCh:
		return -1, classify("container_wait", err)
	}
}

func (d *Docker) KillContainer(ctx context.Context, id string) error {
	return classify("container_kill", d.cli.ContainerKill(ctx, id, "SIGKILL"))
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	return classify("container_remove", d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

var _ Engine = (*Docker)(nil)
