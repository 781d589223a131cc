package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client is a containerd connection bound to one namespace, with a cache
// of images already resolved.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.Mutex
	images map[string]containerd.Image
}

func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")
	return &Client{inner: inner, namespace: namespace, images: make(map[string]containerd.Image)}, nil
}

func (c *Client) Raw() *containerd.Client {
	return c.inner
}

func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy reports whether the daemon answers.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.inner.Version(c.WithNamespace(ctx))
	return err == nil
}

func (c *Client) Close() error {
	return c.inner.Close()
}

// Image returns ref from the local store, pulling it on first use.
func (c *Client) Image(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.Lock()
	img, ok := c.images[ref]
	c.mu.Unlock()
	if ok {
		return img, nil
	}

	ctx = c.WithNamespace(ctx)
	img, err := c.inner.GetImage(ctx, ref)
	if err != nil {
		log.Info().Str("ref", ref).Msg("pulling image")
		if img, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, err)
		}
	}

	c.mu.Lock()
	c.images[ref] = img
	c.mu.Unlock()
	return img, nil
}
