package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/big-pixel-media/ocppnet"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage static hub routes in the configured route store",
	Long: `List, add and remove static routes (destination reachable through hub).
Running servers pick up changes on restart, or immediately when changed
through the admin API (POST/DELETE /routes).`,
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all static routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRouteStore(func(ctx context.Context, store ocppnet.RouteStore) error {
			routes, err := store.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to list routes: %w", err)
			}
			if routes == nil {
				routes = []ocppnet.StaticRoute{}
			}
			return printJSON(routes)
		})
	},
}

var routesAddCmd = &cobra.Command{
	Use:   "add <destination> <hub>",
	Short: "Route destination through hub (appended after existing hubs)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := ocppnet.StaticRoute{Destination: ocppnet.NodeID(args[0]), Hub: ocppnet.NodeID(args[1])}
		if r.Destination == r.Hub {
			return fmt.Errorf("destination and hub must differ")
		}
		return withRouteStore(func(ctx context.Context, store ocppnet.RouteStore) error {
			if err := store.Add(ctx, r); err != nil {
				return fmt.Errorf("failed to add route: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Route %s via %s added.\n", r.Destination, r.Hub)
			return nil
		})
	},
}

var routesRemoveCmd = &cobra.Command{
	Use:   "remove <destination> <hub>",
	Short: "Remove a static route",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := ocppnet.StaticRoute{Destination: ocppnet.NodeID(args[0]), Hub: ocppnet.NodeID(args[1])}
		return withRouteStore(func(ctx context.Context, store ocppnet.RouteStore) error {
			if err := store.Remove(ctx, r); err != nil {
				return fmt.Errorf("failed to remove route: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Route %s via %s removed.\n", r.Destination, r.Hub)
			return nil
		})
	},
}

func withRouteStore(fn func(ctx context.Context, store ocppnet.RouteStore) error) error {
	switch cfg.RouteStore.Kind {
	case "", "memory":
		return fmt.Errorf("route_store.kind is memory; routes commands need postgres or etcd")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Only the store itself is wanted here, not the seed routes.
	c := cfg
	c.Routes = nil
	store, closeStore, err := c.openRouteStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}

func init() {
	routesCmd.AddCommand(routesListCmd)
	routesCmd.AddCommand(routesAddCmd)
	routesCmd.AddCommand(routesRemoveCmd)
	rootCmd.AddCommand(routesCmd)
}
