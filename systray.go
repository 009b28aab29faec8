package main

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"

	"fyne.io/systray"

	"github.com/dotside-studios/davi-pcsc-bridge/buildinfo"
	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

const maxTitleLen = 60

// SystrayApp shows bridge state in the system tray and exposes the
// operator commands. It is registered as a notifier, so its notifier
// methods run on the bridge loop.
type SystrayApp struct {
	agent *Agent

	// Menu items
	mStatus  *systray.MenuItem
	mCard    *systray.MenuItem
	mMessage *systray.MenuItem
	mURL     *systray.MenuItem
	mCopyURL *systray.MenuItem
	mReinit  *systray.MenuItem
	mForce   *systray.MenuItem
	mQuit    *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{agent: agent}
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// onReady is called when the systray is ready
func (s *SystrayApp) onReady() {
	s.setupUI()
	s.agent.AddNotifier(s)

	if err := s.agent.Start(); err != nil {
		s.mStatus.SetTitle("Failed to Start")
		systray.SetIcon(iconDataError)
		return
	}
	s.mURL.SetTitle("URL: " + s.agent.ServerURL())
	s.mReinit.Enable()
	s.mForce.Enable()

	go s.handleMenuEvents()
}

// onExit is called when the systray is exiting
func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTitle(buildinfo.DisplayName)
	systray.SetTooltip(fmt.Sprintf("%s %s", buildinfo.DisplayName, buildinfo.FullVersion()))

	// Status section
	s.mStatus = systray.AddMenuItem("Starting...", "Reader status")
	s.mStatus.Disable()
	s.mCard = systray.AddMenuItem("Card: None", "Last card read")
	s.mCard.Disable()
	s.mMessage = systray.AddMenuItem("No messages", "Last system message")
	s.mMessage.Disable()

	systray.AddSeparator()

	s.mURL = systray.AddMenuItem("URL: Not running", "WebSocket URL")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy URL", "Copy the WebSocket URL to the clipboard")

	systray.AddSeparator()

	s.mReinit = systray.AddMenuItem("Reinitialize", "Reconnect to the reader subsystem")
	s.mForce = systray.AddMenuItem("Force Reset", "Rebuild the reader subsystem now, resetting the retry counter")
	s.mReinit.Disable()
	s.mForce.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mReinit.ClickedCh:
			s.runCommand("Reinitialize", s.agent.Bridge.ManualReinitialize)
		case <-s.mForce.ClickedCh:
			s.runCommand("Force reset", s.agent.Bridge.ForceReinitialize)
		case <-s.mCopyURL.ClickedCh:
			if url := s.agent.ServerURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					log.Printf("[systray] Failed to copy to clipboard: %v", err)
				} else {
					log.Printf("[systray] Copied WebSocket URL to clipboard")
				}
			}
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (s *SystrayApp) runCommand(name string, fn func() error) {
	err := fn()
	switch {
	case errors.Is(err, lifecycle.ErrThrottled):
		log.Printf("[systray] %s ignored: please wait before retrying", name)
	case err != nil:
		log.Printf("[systray] %s failed: %v", name, err)
	}
}

// StatusUpdate refreshes the reader and card items.
func (s *SystrayApp) StatusUpdate(status protocol.StatusUpdatePayload) {
	s.mStatus.SetTitle(readerLabel(status))
	s.mCard.SetTitle(cardLabel(status))
	systray.SetIcon(statusIcon(status))
}

// SystemMessage shows the latest advisory.
func (s *SystrayApp) SystemMessage(msg protocol.SystemMessagePayload) {
	s.mMessage.SetTitle(truncateTitle(msg.Message))
	if icon, ok := severityIcon(msg.Type); ok {
		systray.SetIcon(icon)
	}
}

// ServiceRestartTip surfaces remediation guidance on the message item.
func (s *SystrayApp) ServiceRestartTip(tip protocol.ServiceRestartTipPayload) {
	s.mMessage.SetTooltip(tip.Message)
	systray.SetIcon(iconDataError)
}

func readerLabel(status protocol.StatusUpdatePayload) string {
	if !status.ReaderConnected {
		return "No reader connected"
	}
	if status.ReaderName == "" {
		return "Reader: Connected"
	}
	return truncateTitle("Reader: " + status.ReaderName)
}

func cardLabel(status protocol.StatusUpdatePayload) string {
	if !status.CardPresent || status.LastCardInfo == nil {
		return "Card: None"
	}
	info := status.LastCardInfo
	switch {
	case info.IDm != "":
		return fmt.Sprintf("Card: %s %s", info.Type, info.IDm)
	case info.UID != "":
		return fmt.Sprintf("Card: %s %s", info.Type, info.UID)
	default:
		return "Card: " + info.Type
	}
}

func statusIcon(status protocol.StatusUpdatePayload) []byte {
	switch {
	case status.CardPresent:
		return iconDataCard
	case status.ReaderConnected:
		return iconDataConnected
	default:
		return iconData
	}
}

// severityIcon returns an icon override for advisories that need attention.
func severityIcon(sev protocol.Severity) ([]byte, bool) {
	switch sev {
	case protocol.SeverityWarning:
		return iconDataWarning, true
	case protocol.SeverityError:
		return iconDataError, true
	}
	return nil, false
}

func truncateTitle(s string) string {
	r := []rune(s)
	if len(r) <= maxTitleLen {
		return s
	}
	return string(r[:maxTitleLen-3]) + "..."
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
