package commands

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jvalenc/webmta/cmd/webmta/client"
)

var (
	sendBody          string
	sendAttachments   []string
	sendCorrelationID string
)

var sendCmd = &cobra.Command{
	Use:   "send <recipient>",
	Short: "Submit a message to a running gateway",
	Long: `Submit a message for delivery through the gateway API. Attachments are
read from local files and sent base64-encoded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.SubmitRequest{
			Recipient:     args[0],
			Body:          sendBody,
			CorrelationID: sendCorrelationID,
		}
		for _, path := range sendAttachments {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading attachment %s: %w", path, err)
			}
			name := filepath.Base(path)
			req.Attachments = append(req.Attachments, client.Attachment{
				Filename: name,
				MimeType: mime.TypeByExtension(filepath.Ext(name)),
				Data:     base64.StdEncoding.EncodeToString(data),
			})
		}

		resp, err := client.New(apiURL, apiKey).Submit(req)
		if err != nil {
			return err
		}
		fmt.Printf("Queued as %s\n", resp.SubmissionID)
		for _, w := range resp.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendBody, "body", "b", "", "Message text")
	sendCmd.Flags().StringSliceVarP(&sendAttachments, "attach", "a", nil, "File to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendCorrelationID, "correlation-id", "", "Caller correlation identifier echoed in callbacks")
	sendCmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8825", "Gateway API base URL")
	sendCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("WEBMTA_API_KEY"), "API key (defaults to WEBMTA_API_KEY)")
}
