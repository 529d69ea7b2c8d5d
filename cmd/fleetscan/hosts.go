package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/storage"
)

var showAll bool

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage the scan roster",
}

var hostsAddCmd = &cobra.Command{
	Use:   "add <hostname>...",
	Short: "Add hosts to the roster",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHostsAdd,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts and their last scan status",
	RunE:  runHostsList,
}

var hostsDisableCmd = &cobra.Command{
	Use:   "disable <hostname>",
	Short: "Exclude a host from fleet scans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setHostStatus(args[0], model.StatusDisabled)
	},
}

var hostsEnableCmd = &cobra.Command{
	Use:   "enable <hostname>",
	Short: "Return a disabled host to fleet scans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setHostStatus(args[0], "")
	},
}

var hostsShowCmd = &cobra.Command{
	Use:   "show <hostname>",
	Short: "Show a host's inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostsShow,
}

func init() {
	hostsShowCmd.Flags().BoolVar(&showAll, "all", false, "Include removed components and software")

	hostsCmd.AddCommand(hostsAddCmd, hostsListCmd, hostsDisableCmd, hostsEnableCmd, hostsShowCmd)
}

func runHostsAdd(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	hosts := storage.NewHostStorage(db)
	for _, name := range args {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h, err := hosts.Add(context.Background(), name)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
		fmt.Printf("Added %s (id %d)\n", h.Hostname, h.ID)
	}
	return nil
}

func runHostsList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	hosts, err := storage.NewHostStorage(db).List(context.Background())
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Println("No hosts in the roster. Add some with: fleetscan hosts add <hostname>")
		return nil
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Hosts (%d)", len(hosts))))
	for _, h := range hosts {
		fmt.Printf("  %-40s %s %s\n",
			h.Hostname,
			renderCheckStatus(h.CheckStatus),
			labelStyle.Render("updated "+formatTime(h.LastUpdated)))
	}
	return nil
}

func setHostStatus(hostname string, status model.CheckStatus) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.NewHostStorage(db).SetCheckStatus(context.Background(), hostname, status); err != nil {
		return err
	}
	if status == model.StatusDisabled {
		fmt.Printf("Disabled %s\n", hostname)
	} else {
		fmt.Printf("Enabled %s\n", hostname)
	}
	return nil
}

func runHostsShow(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	h, err := storage.NewHostStorage(db).GetByName(ctx, args[0])
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("host %s not found", args[0])
	}

	fmt.Println(titleStyle.Render(h.Hostname))
	fmt.Printf("  %s %s\n", labelStyle.Render("Status:"), renderCheckStatus(h.CheckStatus))
	if h.LastError != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("Last error:"), badStyle.Render(h.LastError))
	}
	printField("OS:", strings.TrimSpace(h.OSName+" "+h.OSVersion))
	printField("Model:", strings.TrimSpace(h.Manufacturer+" "+h.Model))
	printField("Serial:", h.SerialNumber)
	printField("RAM:", fmt.Sprintf("%.1f GiB", float64(h.RAMBytes)/(1<<30)))
	printField("Last updated:", formatTime(h.LastUpdated))
	printField("Last full scan:", formatTime(h.LastFullScan))

	components, err := storage.NewComponentStorage(db).ListByHost(ctx, h.ID, !showAll)
	if err != nil {
		return err
	}
	byCategory := make(map[model.Category][]model.Component)
	for _, c := range components {
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}
	for _, category := range model.Categories {
		items := byCategory[category]
		if len(items) == 0 {
			continue
		}
		fmt.Println()
		fmt.Println(titleStyle.Render(fmt.Sprintf("%s (%d)", category, len(items))))
		for _, c := range items {
			line := "  " + valueStyle.Render(c.Key)
			if !c.Active() {
				line += " " + badStyle.Render("removed "+formatTime(c.RemovedOn))
			}
			fmt.Println(line)
		}
	}

	software, err := storage.NewSoftwareStorage(db).ListByHost(ctx, h.ID, !showAll)
	if err != nil {
		return err
	}
	if len(software) > 0 {
		sort.Slice(software, func(i, j int) bool { return software[i].Key < software[j].Key })
		fmt.Println()
		fmt.Println(titleStyle.Render(fmt.Sprintf("software (%d)", len(software))))
		for _, in := range software {
			line := fmt.Sprintf("  %s %s", valueStyle.Render(in.Name), labelStyle.Render(in.Version))
			if !in.Active() {
				line += " " + badStyle.Render("removed "+formatTime(in.RemovedOn))
			}
			fmt.Println(line)
		}
	}

	return nil
}
