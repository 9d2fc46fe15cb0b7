package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"podtask/internal/core"
)

const (
	ContainerName = "executor-container"
	AppLabel      = "app"
	AppLabelValue = "task-executor"
	TaskIDLabel   = "podtask.io/task-id"

	namePrefix = "task-exec-"
)

// Config controls the pods created by Driver.
type Config struct {
	Namespace string
	Image     string

	// PollInterval is the delay between phase checks; default 1s.
	PollInterval time.Duration

	// MaxOutputBytes caps the captured log; zero disables the cap.
	MaxOutputBytes int64

	// FetchTimeout bounds reading the log of a finished pod; default 1m.
	FetchTimeout time.Duration
}

// DefaultFetchTimeout is used when Config.FetchTimeout is unset.
const DefaultFetchTimeout = time.Minute

// Driver runs each command in its own single-container pod.
type Driver struct {
	client kubernetes.Interface
	cfg    Config
	logger *slog.Logger
}

var (
	_ core.Environment = (*Driver)(nil)
	_ core.PodReaper   = (*Driver)(nil)
)

// NewDriver creates a Driver on top of an existing clientset.
func NewDriver(client kubernetes.Interface, cfg Config, logger *slog.Logger) *Driver {
	if cfg.Namespace == "" {
		cfg.Namespace = metav1.NamespaceDefault
	}
	if cfg.Image == "" {
		cfg.Image = "busybox"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Driver{client: client, cfg: cfg, logger: logger}
}

// Create submits a non-restarting pod that runs spec.Command under sh -c.
func (d *Driver) Create(ctx context.Context, spec core.EnvironmentSpec) (core.Handle, error) {
	pod := d.podFor(spec)
	created, err := d.client.CoreV1().Pods(d.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return core.Handle{}, fmt.Errorf("create pod: %w", err)
	}
	ns := created.Namespace
	if ns == "" {
		ns = d.cfg.Namespace
	}
	return core.Handle{Namespace: ns, Name: created.Name}, nil
}

// AwaitTerminal polls the pod until its phase is Succeeded or Failed.
func (d *Driver) AwaitTerminal(ctx context.Context, h core.Handle, timeout time.Duration) (core.Phase, error) {
	var phase core.Phase
	err := wait.PollUntilContextTimeout(ctx, d.cfg.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := d.client.CoreV1().Pods(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
		if err != nil {
			if isTransient(err) {
				d.logger.Debug("poll pod phase", "pod", h.Name, "err", err)
				return false, nil
			}
			return false, fmt.Errorf("get pod %s: %w", h.Name, err)
		}
		p, ok := core.ParsePhase(string(pod.Status.Phase))
		if !ok {
			return false, nil
		}
		phase = p
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w: pod %s after %s", core.ErrWaitTimeout, h.Name, timeout)
		}
		return 0, err
	}
	return phase, nil
}

// FetchOutput returns the combined log of the pod's container.
func (d *Driver) FetchOutput(ctx context.Context, h core.Handle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	opts := &corev1.PodLogOptions{Container: ContainerName}
	if d.cfg.MaxOutputBytes > 0 {
		limit := d.cfg.MaxOutputBytes
		opts.LimitBytes = &limit
	}
	stream, err := d.client.CoreV1().Pods(h.Namespace).GetLogs(h.Name, opts).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("open pod log: %w", err)
	}
	return readLog(ctx, stream, d.cfg.MaxOutputBytes)
}

// readLog drains stream up to limit bytes. The stream is closed when ctx
// ends so a stalled read returns instead of blocking the run.
func readLog(ctx context.Context, stream io.ReadCloser, limit int64) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		if stop() {
			_ = stream.Close()
		}
	}()

	var r io.Reader = stream
	if limit > 0 {
		r = io.LimitReader(stream, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("read pod log: %w", ctxErr)
		}
		return "", fmt.Errorf("read pod log: %w", err)
	}
	return string(data), nil
}

// Destroy deletes the pod immediately. A pod that is already gone is fine.
func (d *Driver) Destroy(ctx context.Context, h core.Handle) error {
	grace := int64(0)
	propagation := metav1.DeletePropagationBackground
	err := d.client.CoreV1().Pods(h.Namespace).Delete(ctx, h.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", h.Name, err)
	}
	return nil
}

// ReapOrphans deletes labelled execution pods created before createdBefore.
func (d *Driver) ReapOrphans(ctx context.Context, createdBefore time.Time) (int, error) {
	selector := labels.SelectorFromSet(labels.Set{AppLabel: AppLabelValue})
	pods, err := d.client.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return 0, fmt.Errorf("list execution pods: %w", err)
	}
	var (
		deleted int
		errs    []error
	)
	for _, pod := range pods.Items {
		created := pod.CreationTimestamp.Time
		if created.IsZero() || !created.Before(createdBefore) {
			continue
		}
		if err := d.Destroy(ctx, core.Handle{Namespace: pod.Namespace, Name: pod.Name}); err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Info("deleted orphaned execution pod", "pod", pod.Name, "task_id", pod.Labels[TaskIDLabel], "created", created.UTC())
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (d *Driver) podFor(spec core.EnvironmentSpec) *corev1.Pod {
	podLabels := map[string]string{AppLabel: AppLabelValue}
	if len(validation.IsValidLabelValue(spec.TaskID)) == 0 {
		podLabels[TaskIDLabel] = spec.TaskID
	}
	automountToken := false
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      namePrefix + utilrand.String(8),
			Namespace: d.cfg.Namespace,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &automountToken,
			Containers: []corev1.Container{{
				Name:    ContainerName,
				Image:   d.cfg.Image,
				Command: []string{"/bin/sh", "-c"},
				Args:    []string{spec.Command},
			}},
		},
	}
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}
