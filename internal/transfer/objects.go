package transfer

import (
	"sync"

	"github.com/google/uuid"
)

// Object is a locally addressable handle to reconstructed content.
type Object struct {
	URL         string
	ContentType string
	Data        []byte

	registry *Objects
}

// Size returns the content length in bytes.
func (o *Object) Size() int {
	return len(o.Data)
}

// Release revokes the object's URL and drops its content.
func (o *Object) Release() {
	if o.registry != nil {
		o.registry.Revoke(o.URL)
	}
}

// Objects tracks live object URLs until their owner revokes them.
type Objects struct {
	mu      sync.Mutex
	objects map[string]*Object
}

// NewObjects creates an empty registry.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string]*Object)}
}

// Put registers data under a fresh blob: URL.
func (r *Objects) Put(contentType string, data []byte) *Object {
	obj := &Object{
		URL:         "blob:" + uuid.NewString(),
		ContentType: contentType,
		Data:        data,
		registry:    r,
	}
	r.mu.Lock()
	r.objects[obj.URL] = obj
	r.mu.Unlock()
	return obj
}

// Get resolves a live object URL.
func (r *Objects) Get(url string) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[url]
	return obj, ok
}

// Revoke releases url. Revoking an unknown or already revoked URL is a no-op.
func (r *Objects) Revoke(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[url]; ok {
		obj.Data = nil
		delete(r.objects, url)
	}
}

// Len returns the number of live objects.
func (r *Objects) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
