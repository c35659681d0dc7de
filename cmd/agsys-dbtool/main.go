// Command agsys-dbtool is a read-only inspection CLI for the cloud
// database: listing gateways, devices and recent log rows without standing
// up the full cloud daemon.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agsys/gateway/internal/cloudstore"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "agsys-dbtool",
		Short: "Inspect the agsys cloud database",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "./agsys-cloud.db", "path to the cloud SQLite database")
	rootCmd.AddCommand(gatewaysCmd, devicesCmd, logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func openStore() (*cloudstore.DB, error) {
	return cloudstore.Open(dbPath)
}

var gatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "List all gateways and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		rows, err := db.Query(`SELECT gateway_id, user_id, name, status, last_seen, database_version FROM gateways ORDER BY gateway_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "GATEWAY_ID\tUSER_ID\tNAME\tSTATUS\tLAST_SEEN\tDB_VERSION")
		for rows.Next() {
			var gatewayID, userID, name, status string
			var lastSeen, dbVersion sql.NullString
			if err := rows.Scan(&gatewayID, &userID, &name, &status, &lastSeen, &dbVersion); err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", gatewayID, userID, name, status, lastSeen.String, dbVersion.String)
		}
		return tw.Flush()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices [gateway_id]",
	Short: "List devices, optionally scoped to one gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		query := `SELECT device_id, gateway_id, device_type, status, last_seen FROM devices`
		queryArgs := []any{}
		if len(args) == 1 {
			query += ` WHERE gateway_id = ?`
			queryArgs = append(queryArgs, args[0])
		}
		query += ` ORDER BY gateway_id, device_id`

		rows, err := db.Query(query, queryArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE_ID\tGATEWAY_ID\tTYPE\tSTATUS\tLAST_SEEN")
		for rows.Next() {
			var deviceID, gatewayID, deviceType, status string
			var lastSeen sql.NullString
			if err := rows.Scan(&deviceID, &gatewayID, &deviceType, &status, &lastSeen); err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", deviceID, gatewayID, deviceType, status, lastSeen.String)
		}
		return tw.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [gateway_id]",
	Short: "Show the most recent system log rows, optionally scoped to one gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		query := `SELECT time, gateway_id, device_id, log_type, severity, message FROM system_logs`
		queryArgs := []any{}
		if len(args) == 1 {
			query += ` WHERE gateway_id = ?`
			queryArgs = append(queryArgs, args[0])
		}
		query += ` ORDER BY time DESC LIMIT 50`

		rows, err := db.Query(query, queryArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tGATEWAY_ID\tDEVICE_ID\tTYPE\tSEVERITY\tMESSAGE")
		for rows.Next() {
			var t, gatewayID, logType, severity, message string
			var deviceID sql.NullString
			if err := rows.Scan(&t, &gatewayID, &deviceID, &logType, &severity, &message); err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t, gatewayID, deviceID.String, logType, severity, message)
		}
		return tw.Flush()
	},
}
