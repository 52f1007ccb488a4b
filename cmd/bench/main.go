package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/ryandielhenn/zephyrsync/pkg/permissions"
)

// bench drives concurrent group writes through one node's admin API and,
// when -verify is given, waits for every other node to converge.
func main() {
	addr := pflag.String("addr", "http://localhost:8080", "node receiving the writes")
	verify := pflag.StringSlice("verify", nil, "other node addresses checked for convergence")
	n := pflag.Int("n", 5000, "requests")
	conc := pflag.IntP("concurrency", "c", 32, "concurrency")
	groups := pflag.Int("groups", 64, "distinct group names")
	pflag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	var failed atomic.Int64
	start := time.Now()
	ch := make(chan struct{}, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()
			name := fmt.Sprintf("g%d", i%*groups)
			body, _ := json.Marshal(permissions.Group{Potency: i})
			req, err := http.NewRequest(http.MethodPut, *addr+"/admin/permissions/groups/"+name, bytes.NewReader(body))
			if err != nil {
				failed.Add(1)
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				failed.Add(1)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d writes in %s (%.2f ops/s, %d failed)\n", *n, dur, float64(*n)/dur.Seconds(), failed.Load())

	if len(*verify) == 0 {
		return
	}
	want, err := fetchGroups(client, *addr)
	if err != nil {
		fmt.Println("reading source groups:", err)
		return
	}
	for _, peer := range *verify {
		peer = strings.TrimSuffix(peer, "/")
		deadline := time.Now().Add(30 * time.Second)
		for {
			got, err := fetchGroups(client, peer)
			if err == nil && maps.Equal(want, got) {
				fmt.Printf("%s converged after %s\n", peer, time.Since(start))
				break
			}
			if time.Now().After(deadline) {
				fmt.Printf("%s did not converge\n", peer)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func fetchGroups(client *http.Client, addr string) (map[string]int, error) {
	resp, err := client.Get(addr + "/admin/permissions/groups")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var gs []permissions.Group
	if err := json.NewDecoder(resp.Body).Decode(&gs); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(gs))
	for _, g := range gs {
		out[g.Name] = g.Potency
	}
	return out, nil
}
