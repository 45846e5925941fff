// Package podmantest runs an in-memory libpod API for tests.
package podmantest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

const prefix = "/v4.0.0/libpod"

// Container is the server-side record of a container.
type Container struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
	// Spec is the create request body as received.
	Spec map[string]any
}

// Secret is the server-side record of a secret.
type Secret struct {
	ID     string
	Name   string
	Driver string
	Data   []byte
}

// Server is a fake podman service. It is reached through Dial, which
// ignores the requested address and records it.
type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	containers map[string]*Container
	images     map[string]bool
	secrets    map[string]*Secret
	failPull   map[string]string
	requests   []string
	dialed     []string
	open       int
	nextID     int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		containers: make(map[string]*Container),
		images:     make(map[string]bool),
		secrets:    make(map[string]*Secret),
		failPull:   make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/_ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	mux.HandleFunc("GET "+prefix+"/containers/json", s.listContainers)
	mux.HandleFunc("POST "+prefix+"/containers/create", s.createContainer)
	mux.HandleFunc("POST "+prefix+"/containers/{name}/{action}", s.containerAction)
	mux.HandleFunc("DELETE "+prefix+"/containers/{name}", s.removeContainer)
	mux.HandleFunc("POST "+prefix+"/images/pull", s.pull)
	mux.HandleFunc("GET "+prefix+"/images/{name}/exists", s.imageExists)
	mux.HandleFunc("GET "+prefix+"/secrets/json", s.listSecrets)
	mux.HandleFunc("POST "+prefix+"/secrets/create", s.createSecret)
	mux.HandleFunc("DELETE "+prefix+"/secrets/{name}", s.removeSecret)

	s.srv = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+strings.TrimPrefix(r.URL.Path, prefix))
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	s.srv.Config.ConnState = s.trackConn
	s.srv.Start()
	t.Cleanup(s.srv.Close)
	return s
}

// Dial connects to the server. Its signature matches net.Dialer.DialContext.
func (s *Server) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	s.dialed = append(s.dialed, network+":"+addr)
	s.mu.Unlock()
	var d net.Dialer
	return d.DialContext(ctx, "tcp", s.srv.Listener.Addr().String())
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case http.StateNew:
		s.open++
	case http.StateClosed, http.StateHijacked:
		s.open--
	}
}

// OpenConns returns the number of client connections not yet closed.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Dialed returns the "network:addr" pairs passed to Dial.
func (s *Server) Dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dialed...)
}

// Requests returns "METHOD /path" for every request, without the API prefix.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// AddImage makes an image known.
func (s *Server) AddImage(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[ref] = true
}

// FailPull makes pulling ref report msg in the progress stream.
func (s *Server) FailPull(ref, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPull[ref] = msg
}

// AddContainer registers a container in the given state.
func (s *Server) AddContainer(name, image, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image] = true
	s.containers[name] = &Container{ID: s.id(), Name: name, Image: image, State: state}
}

// Container returns a copy of the named container.
func (s *Server) Container(name string) (Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// AddSecret registers a secret.
func (s *Server) AddSecret(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = &Secret{ID: s.id(), Name: name, Driver: "file", Data: data}
}

// Secret returns a copy of the named secret.
func (s *Server) Secret(name string) (Secret, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[name]
	if !ok {
		return Secret{}, false
	}
	return *sec, true
}

// id must be called with mu held.
func (s *Server) id() string {
	s.nextID++
	return fmt.Sprintf("%064x", s.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, cause, msg string) {
	writeJSON(w, status, map[string]any{"cause": cause, "message": msg, "response": status})
}

func (s *Server) listContainers(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		c := s.containers[name]
		out = append(out, map[string]any{
			"Id": c.ID, "Names": []string{c.Name}, "Image": c.Image, "State": c.State, "Labels": c.Labels,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createContainer(w http.ResponseWriter, r *http.Request) {
	var spec map[string]any
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "bad parameter", err.Error())
		return
	}
	name, _ := spec["name"].(string)
	image, _ := spec["image"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.images[image] {
		writeError(w, http.StatusNotFound, "image not known", image+": image not known")
		return
	}
	if _, ok := s.containers[name]; ok {
		writeError(w, http.StatusConflict, "name in use",
			fmt.Sprintf("creating container storage: the container name %q is already in use", name))
		return
	}
	c := &Container{ID: s.id(), Name: name, Image: image, State: "created", Spec: spec}
	if labels, ok := spec["labels"].(map[string]any); ok {
		c.Labels = make(map[string]string, len(labels))
		for k, v := range labels {
			c.Labels[k] = fmt.Sprint(v)
		}
	}
	s.containers[name] = c
	writeJSON(w, http.StatusCreated, map[string]any{"Id": c.ID, "Warnings": []string{}})
}

func (s *Server) containerAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no such container", "no container with name or ID \""+name+"\" found: no such container")
		return
	}

	switch r.PathValue("action") {
	case "start":
		if c.State == "running" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		c.State = "running"
	case "stop":
		if c.State != "running" && c.State != "paused" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		c.State = "exited"
	case "restart":
		c.State = "running"
	case "unpause":
		if c.State != "paused" {
			writeError(w, http.StatusInternalServerError, "container state improper",
				"\""+c.ID+"\" is not paused, can't unpause: container state improper")
			return
		}
		c.State = "running"
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeContainer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no such container", "no container with name or ID \""+name+"\" found: no such container")
		return
	}
	if c.State == "running" && r.URL.Query().Get("force") != "true" {
		writeError(w, http.StatusConflict, "container state improper",
			"cannot remove container "+c.ID+" as it is running - running or paused containers cannot be removed without force")
		return
	}
	delete(s.containers, name)
	writeJSON(w, http.StatusOK, []map[string]any{{"Id": c.ID}})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("reference")
	s.mu.Lock()
	msg, fail := s.failPull[ref]
	if !fail {
		s.images[ref] = true
	}
	id := s.id()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]any{"stream": "Trying to pull " + ref + "...\n"})
	if fail {
		_ = enc.Encode(map[string]any{"error": msg})
		return
	}
	_ = enc.Encode(map[string]any{"id": id, "images": []string{id}})
}

func (s *Server) imageExists(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.images[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "image not known", r.PathValue("name")+": image not known")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSecrets(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		sec := s.secrets[name]
		out = append(out, map[string]any{
			"ID":   sec.ID,
			"Spec": map[string]any{"Name": sec.Name, "Driver": map[string]any{"Name": sec.Driver}},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	driver := r.URL.Query().Get("driver")
	if driver == "" {
		driver = "file"
	}
	data, err := io.ReadAll(r.Body)
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "bad parameter", "secret name and data are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[name]; ok {
		writeError(w, http.StatusConflict, "secret name in use", name+": secret name in use")
		return
	}
	sec := &Secret{ID: s.id(), Name: name, Driver: driver, Data: data}
	s.secrets[name] = sec
	writeJSON(w, http.StatusOK, map[string]any{"ID": sec.ID})
}

func (s *Server) removeSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[name]; !ok {
		writeError(w, http.StatusNotFound, "no such secret", name+": no such secret")
		return
	}
	delete(s.secrets, name)
	w.WriteHeader(http.StatusNoContent)
}
