package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var otaCmd = &cobra.Command{
	Use:   "ota",
	Short: "Drive firmware updates",
}

var otaUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Start a firmware update",
	RunE:  runOTAUpdate,
}

var otaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show update progress",
	RunE:  wrapSend("ota_status", nil),
}

var otaMarkValidCmd = &cobra.Command{
	Use:   "mark-valid",
	Short: "Acknowledge the running image",
	RunE:  wrapSend("ota_mark_valid", nil),
}

var otaRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert to the previous image",
	RunE:  wrapSend("ota_rollback", nil),
}

var (
	otaManifestURL      string
	otaSkipVersionCheck bool
	otaAutoReboot       bool
)

func init() {
	otaCmd.AddCommand(otaUpdateCmd, otaStatusCmd, otaMarkValidCmd, otaRollbackCmd)

	otaUpdateCmd.Flags().StringVar(&otaManifestURL, "url", "", "Manifest URL override")
	otaUpdateCmd.Flags().BoolVar(&otaSkipVersionCheck, "skip-version-check", false,
		"Install even when the manifest version is not newer")
	otaUpdateCmd.Flags().BoolVar(&otaAutoReboot, "auto-reboot", false,
		"Restart the device once the update completes")
	otaUpdateCmd.Flags().BoolVar(&sendWait, "wait", true,
		"Wait for the device's acknowledgement")

	otaStatusCmd.Flags().BoolVar(&sendWait, "wait", true,
		"Wait for the device's response")
}

// wrapSend adapts a fixed command name to the send pipeline.
func wrapSend(name string, params []string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		sendParams = params
		return runSend(cmd, []string{name})
	}
}

func runOTAUpdate(cmd *cobra.Command, _ []string) error {
	var params []string
	if otaManifestURL != "" {
		params = append(params, "url="+otaManifestURL)
	}
	params = append(params,
		fmt.Sprintf("skip_version_check=%v", otaSkipVersionCheck),
		fmt.Sprintf("auto_reboot=%v", otaAutoReboot))

	sendParams = params
	return runSend(cmd, []string{"ota_update"})
}
