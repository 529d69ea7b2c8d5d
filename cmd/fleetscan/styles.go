package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/fleetscan/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	goodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func printField(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(label), valueStyle.Render(value))
}

func renderCheckStatus(s model.CheckStatus) string {
	switch s {
	case model.StatusSuccess:
		return goodStyle.Render(string(s))
	case model.StatusPartiallySuccessful, model.StatusDisabled:
		return warnStyle.Render(string(s))
	case "":
		return labelStyle.Render("never scanned")
	default:
		return badStyle.Render(string(s))
	}
}

func renderTaskStatus(s model.TaskStatus) string {
	switch s {
	case model.TaskCompleted:
		return goodStyle.Render(string(s))
	case model.TaskFailed:
		return badStyle.Render(string(s))
	default:
		return warnStyle.Render(string(s))
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printTask(t *model.ScanTask) {
	fmt.Println(titleStyle.Render("Scan Task " + t.ID))
	fmt.Printf("  %s %s\n", labelStyle.Render("Status:"), renderTaskStatus(t.Status))
	if t.Hostname != "" {
		printField("Host:", t.Hostname)
	}
	printField("Scanned hosts:", fmt.Sprintf("%d", t.ScannedHosts))
	printField("Successful hosts:", fmt.Sprintf("%d", t.SuccessfulHosts))
	printField("Created:", formatTime(&t.CreatedAt))
	printField("Updated:", formatTime(&t.UpdatedAt))
	if t.Error != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("Error:"), badStyle.Render(t.Error))
	}
}
