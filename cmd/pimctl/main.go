package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"
)

type mreState struct {
	Kind          string   `json:"kind"`
	Source        string   `json:"source"`
	Group         string   `json:"group"`
	RP            string   `json:"rp"`
	UpstreamState string   `json:"upstream_state"`
	RPFNeighbor   string   `json:"rpf_neighbor"`
	RPFInterface  uint16   `json:"rpf_interface"`
	SPTBit        bool     `json:"spt_bit"`
	RegisterState string   `json:"register_state"`
	JoinedVifs    []uint16 `json:"joined_vifs"`
}

type neighborState struct {
	Vif        string `json:"vif"`
	Addr       string `json:"addr"`
	Holdtime   uint16 `json:"holdtime"`
	DRPriority uint32 `json:"dr_priority"`
	GenID      uint32 `json:"gen_id"`
	Dependents int    `json:"dependent_mres"`
}

type mfcState struct {
	Source       string   `json:"source"`
	Group        string   `json:"group"`
	RP           string   `json:"rp"`
	IIF          uint16   `json:"iif"`
	Olist        []uint16 `json:"olist"`
	Installed    bool     `json:"installed"`
	KernelFailed bool     `json:"kernel_failed"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var addr string
	flag.StringVarP(&addr, "addr", "a", "127.0.0.1:8642", "pimsmd operator API address")
	flag.Parse()

	if flag.NArg() < 1 {
		return fmt.Errorf("usage: pimctl [--addr host:port] <mre|neighbors|mfc|errors|enable-vif|disable-vif> [args]")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + addr

	switch flag.Arg(0) {
	case "mre":
		var entries []mreState
		if err := getJSON(client, base+"/api/v1/state/mre", &entries); err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Kind", "Source", "Group", "RP", "Upstream", "RPF Nbr", "RPF If", "SPT", "Register", "Joined Vifs"})
		for _, e := range entries {
			table.Append([]string{
				e.Kind, e.Source, e.Group, e.RP, e.UpstreamState,
				e.RPFNeighbor, vifString(e.RPFInterface),
				strconv.FormatBool(e.SPTBit), e.RegisterState,
				fmt.Sprint(e.JoinedVifs),
			})
		}
		table.Render()

	case "neighbors":
		var nbrs []neighborState
		if err := getJSON(client, base+"/api/v1/state/neighbors", &nbrs); err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Vif", "Address", "Holdtime", "DR Prio", "GenID", "Dependent MREs"})
		for _, n := range nbrs {
			table.Append([]string{
				n.Vif, n.Addr, strconv.Itoa(int(n.Holdtime)),
				strconv.Itoa(int(n.DRPriority)),
				fmt.Sprintf("0x%08x", n.GenID),
				strconv.Itoa(n.Dependents),
			})
		}
		table.Render()

	case "mfc":
		var entries []mfcState
		if err := getJSON(client, base+"/api/v1/state/mfc", &entries); err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Source", "Group", "RP", "IIF", "Olist", "Installed", "Kernel Failed"})
		for _, e := range entries {
			table.Append([]string{
				e.Source, e.Group, e.RP, vifString(e.IIF),
				fmt.Sprint(e.Olist),
				strconv.FormatBool(e.Installed),
				strconv.FormatBool(e.KernelFailed),
			})
		}
		table.Render()

	case "errors":
		var counts map[string]uint64
		if err := getJSON(client, base+"/api/v1/state/errors", &counts); err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Error Kind", "Count"})
		for k, v := range counts {
			table.Append([]string{k, strconv.FormatUint(v, 10)})
		}
		table.Render()

	case "enable-vif", "disable-vif":
		if flag.NArg() < 2 {
			return fmt.Errorf("usage: pimctl %s <vif>", flag.Arg(0))
		}
		action := "enable"
		if flag.Arg(0) == "disable-vif" {
			action = "disable"
		}
		url := fmt.Sprintf("%s/api/v1/vif/%s/%s", base, flag.Arg(1), action)
		resp, err := client.Post(url, "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}
		fmt.Println("ok")

	default:
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to query daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func vifString(i uint16) string {
	if i == 0xffff {
		return "-"
	}
	return strconv.Itoa(int(i))
}
