package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-p2p/internal/config"
)

var printDSCmd = &cobra.Command{
	Use:     "print-ds",
	Short:   "Print the stored device-session as JSON (for debugging)",
	Example: `chirpstack-p2p print-ds`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := setupStorage(); err != nil {
			log.Fatal(err)
		}
		defer storageBackend.Close()

		ds, err := store.GetDeviceSession(context.Background())
		if err != nil {
			log.WithError(err).WithField("dev_eui", config.C.Device.DevEUI).Fatal("get device-session error")
		}

		b, err := json.MarshalIndent(ds, "", "    ")
		if err != nil {
			log.WithError(err).Fatal("json marshal error")
		}

		fmt.Println(string(b))
	},
}
