package kube

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"podtask/internal/core"
)

const testNamespace = "jobs"

func newTestDriver(t *testing.T, cfg Config) (*Driver, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	if cfg.Namespace == "" {
		cfg.Namespace = testNamespace
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDriver(client, cfg, logger), client
}

func setPhase(t *testing.T, client *fake.Clientset, h core.Handle, phase corev1.PodPhase) {
	t.Helper()
	ctx := context.Background()
	pod, err := client.CoreV1().Pods(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = phase
	_, err = client.CoreV1().Pods(h.Namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestNewDriverDefaults(t *testing.T) {
	d := NewDriver(fake.NewSimpleClientset(), Config{}, slog.Default())
	assert.Equal(t, "default", d.cfg.Namespace)
	assert.Equal(t, "busybox", d.cfg.Image)
	assert.Equal(t, time.Second, d.cfg.PollInterval)
	assert.Equal(t, DefaultFetchTimeout, d.cfg.FetchTimeout)
}

func TestCreateBuildsExecutionPod(t *testing.T) {
	d, client := newTestDriver(t, Config{Image: "alpine:3.20"})
	ctx := context.Background()

	h, err := d.Create(ctx, core.EnvironmentSpec{TaskID: "task-1", Command: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, testNamespace, h.Namespace)
	assert.True(t, strings.HasPrefix(h.Name, "task-exec-"), h.Name)

	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, h.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, AppLabelValue, pod.Labels[AppLabel])
	assert.Equal(t, "task-1", pod.Labels[TaskIDLabel])
	require.NotNil(t, pod.Spec.AutomountServiceAccountToken)
	assert.False(t, *pod.Spec.AutomountServiceAccountToken)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, ContainerName, c.Name)
	assert.Equal(t, "alpine:3.20", c.Image)
	assert.Equal(t, []string{"/bin/sh", "-c"}, c.Command)
	assert.Equal(t, []string{"echo hi"}, c.Args)
}

func TestCreateUsesUniqueNames(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
		require.NoError(t, err)
		assert.False(t, seen[h.Name], "duplicate pod name %s", h.Name)
		seen[h.Name] = true
	}
}

func TestCreateSkipsInvalidTaskLabel(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "not a label value!", Command: "date"})
	require.NoError(t, err)

	pod, err := client.CoreV1().Pods(testNamespace).Get(context.Background(), h.Name, metav1.GetOptions{})
	require.NoError(t, err)
	_, ok := pod.Labels[TaskIDLabel]
	assert.False(t, ok)
	assert.Equal(t, AppLabelValue, pod.Labels[AppLabel])
}

func TestCreateRejected(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(corev1.Resource("pods"), "", errors.New("admission denied"))
	})

	_, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.Error(t, err)
	assert.True(t, apierrors.IsForbidden(err))
}

func TestAwaitTerminalPhases(t *testing.T) {
	for _, tc := range []struct {
		podPhase corev1.PodPhase
		want     core.Phase
	}{
		{corev1.PodSucceeded, core.PhaseSucceeded},
		{corev1.PodFailed, core.PhaseFailed},
	} {
		t.Run(string(tc.podPhase), func(t *testing.T) {
			d, client := newTestDriver(t, Config{})
			h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
			require.NoError(t, err)
			setPhase(t, client, h, tc.podPhase)

			phase, err := d.AwaitTerminal(context.Background(), h, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tc.want, phase)
		})
	}
}

func TestAwaitTerminalWaitsThroughRunning(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.NoError(t, err)
	setPhase(t, client, h, corev1.PodRunning)

	go func() {
		time.Sleep(30 * time.Millisecond)
		pod, err := client.CoreV1().Pods(h.Namespace).Get(context.Background(), h.Name, metav1.GetOptions{})
		if err != nil {
			return
		}
		pod.Status.Phase = corev1.PodSucceeded
		_, _ = client.CoreV1().Pods(h.Namespace).UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
	}()

	phase, err := d.AwaitTerminal(context.Background(), h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseSucceeded, phase)
}

func TestAwaitTerminalTimeout(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.NoError(t, err)
	setPhase(t, client, h, corev1.PodPending)

	_, err = d.AwaitTerminal(context.Background(), h, 40*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrWaitTimeout)
}

func TestAwaitTerminalCallerCancelIsNotTimeout(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.AwaitTerminal(ctx, h, time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrWaitTimeout)
}

func TestAwaitTerminalPodVanished(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	_, err := d.AwaitTerminal(context.Background(), core.Handle{Namespace: testNamespace, Name: "task-exec-gone"}, time.Second)
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
	assert.NotErrorIs(t, err, core.ErrWaitTimeout)
}

func TestAwaitTerminalRetriesTransientErrors(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.NoError(t, err)
	setPhase(t, client, h, corev1.PodSucceeded)

	var failures atomic.Int32
	client.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if failures.Add(1) <= 2 {
			return true, nil, apierrors.NewServiceUnavailable("apiserver restarting")
		}
		return false, nil, nil
	})

	phase, err := d.AwaitTerminal(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseSucceeded, phase)
	assert.GreaterOrEqual(t, failures.Load(), int32(3))
}

func TestFetchOutput(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "echo hi"})
	require.NoError(t, err)

	out, err := d.FetchOutput(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "fake logs", out)
}

func TestFetchOutputIsCapped(t *testing.T) {
	d, _ := newTestDriver(t, Config{MaxOutputBytes: 4})
	h, err := d.Create(context.Background(), core.EnvironmentSpec{TaskID: "t", Command: "echo hi"})
	require.NoError(t, err)

	out, err := d.FetchOutput(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "fake", out)
}

func TestReadLogStopsOnStalledStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := readLog(ctx, pr, 0)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("readLog kept blocking after its context ended")
	}
}

func TestReadLogClosesStream(t *testing.T) {
	pr, pw := io.Pipe()
	writeErr := make(chan error, 1)
	go func() {
		_, err := pw.Write([]byte("partial output"))
		writeErr <- err
	}()

	out, err := readLog(context.Background(), pr, 7)
	require.NoError(t, err)
	assert.Equal(t, "partial", out)

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, io.ErrClosedPipe, "unread output is dropped once the stream is closed")
	case <-time.After(5 * time.Second):
		t.Fatal("stream was left open after the capped read")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	ctx := context.Background()
	h, err := d.Create(ctx, core.EnvironmentSpec{TaskID: "t", Command: "date"})
	require.NoError(t, err)

	require.NoError(t, d.Destroy(ctx, h))
	_, err = client.CoreV1().Pods(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	assert.NoError(t, d.Destroy(ctx, h), "second destroy must be harmless")
}

func TestDestroyReportsOtherErrors(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	client.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(corev1.Resource("pods"), "x", errors.New("rbac"))
	})
	err := d.Destroy(context.Background(), core.Handle{Namespace: testNamespace, Name: "x"})
	assert.Error(t, err)
}

func TestReapOrphans(t *testing.T) {
	d, client := newTestDriver(t, Config{})
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-15 * time.Minute)

	mkPod := func(name string, labels map[string]string, created time.Time) {
		_, err := client.CoreV1().Pods(testNamespace).Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:              name,
				Namespace:         testNamespace,
				Labels:            labels,
				CreationTimestamp: metav1.NewTime(created),
			},
		}, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	execLabels := map[string]string{AppLabel: AppLabelValue, TaskIDLabel: "t1"}
	mkPod("task-exec-old", execLabels, now.Add(-time.Hour))
	mkPod("task-exec-young", execLabels, now.Add(-time.Minute))
	mkPod("unrelated-old", map[string]string{AppLabel: "web"}, now.Add(-time.Hour))

	n, err := d.ReapOrphans(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pods, err := client.CoreV1().Pods(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, p := range pods.Items {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"task-exec-young", "unrelated-old"}, names)
}

func TestNewClientFromKubeconfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(`apiVersion: v1
kind: Config
clusters:
- name: test
  cluster:
    server: https://127.0.0.1:6443
contexts:
- name: test
  context:
    cluster: test
    user: test
current-context: test
users:
- name: test
  user:
    token: secret
`), 0o600))

	client, err := NewClient(path)
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = NewClient(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
