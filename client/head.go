package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
	"chunkfs/internal/directory"
	"chunkfs/internal/sysinfo"
)

var errUsage = errors.New("missing argument, see -h")

type fileSummary struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

type fileStat struct {
	Name   string                  `json:"name"`
	Size   int64                   `json:"size"`
	Chunks []directory.ChunkRecord `json:"chunks"`
}

// headClient calls the head's HTTP API.
type headClient struct {
	base string
	http *http.Client
}

func newHeadClient(base string) *headClient {
	return &headClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Minute}}
}

func (c *headClient) fileURL(name string, suffix string) string {
	return c.base + "/files/" + url.PathEscape(name) + suffix
}

func (c *headClient) do(method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return resp, nil
}

func (c *headClient) getJSON(u string, out any) error {
	resp, err := c.do(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *headClient) put(w io.Writer, path, name string) error {
	if name == "" {
		name = filepath.Base(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	resp, err := c.do(http.MethodPut, c.fileURL(name, ""), f)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var st fileStat
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}
	log.Debug().Dur("took", time.Since(start)).Msg("client: upload complete")
	fmt.Fprintf(w, "stored %s: %s in %d chunks\n", st.Name, sysinfo.HumanBytes(uint64(st.Size)), len(st.Chunks))
	return nil
}

func (c *headClient) get(w io.Writer, name, dst string) error {
	resp, err := c.do(http.MethodGet, c.fileURL(name, "/data"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s (%s)\n", dst, sysinfo.HumanBytes(uint64(n)))
	return nil
}

func (c *headClient) list(w io.Writer) error {
	var files []fileSummary
	if err := c.getJSON(c.base+"/files", &files); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Size", "Chunks"})
	for _, f := range files {
		table.Append([]string{f.Name, sysinfo.HumanBytes(uint64(f.Size)), strconv.Itoa(f.Chunks)})
	}
	table.Render()
	return nil
}

func (c *headClient) stat(w io.Writer, name string) error {
	var st fileStat
	if err := c.getJSON(c.fileURL(name, ""), &st); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", st.Name, sysinfo.HumanBytes(uint64(st.Size)))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Index", "Chunk", "Size", "Hash", "Replicas"})
	for _, ch := range st.Chunks {
		hash := ch.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		table.Append([]string{
			strconv.Itoa(ch.Index),
			ch.ChunkID,
			sysinfo.HumanBytes(uint64(ch.Size)),
			hash,
			strings.Join(ch.Replicas, ", "),
		})
	}
	table.Render()
	return nil
}

func (c *headClient) remove(w io.Writer, name string) error {
	resp, err := c.do(http.MethodDelete, c.fileURL(name, ""), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Fprintf(w, "deleted %s\n", name)
	return nil
}

func (c *headClient) servers(w io.Writer) error {
	var servers []cluster.ChunkServerInfo
	if err := c.getJSON(c.base+"/servers", &servers); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Address", "Name", "State", "Used", "Total", "Last heartbeat"})
	for _, cs := range servers {
		last := "-"
		if !cs.LastHeartbeat.IsZero() {
			last = time.Since(cs.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		table.Append([]string{
			cs.ID,
			cs.Name,
			cs.State.String(),
			sysinfo.HumanBytes(cs.StorageUsed),
			sysinfo.HumanBytes(cs.StorageTotal),
			last,
		})
	}
	table.Render()
	return nil
}
