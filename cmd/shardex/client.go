package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/index"
)

const requestTimeout = 30 * time.Second

func serverURL(cmd *cobra.Command, path string) (string, error) {
	addr, err := cmd.Flags().GetString("server")
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(addr, "/") + path, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func indexPath(regionPath, name string) string {
	return "/indexes/" + url.PathEscape(strings.TrimPrefix(regionPath, "/")) + "/" + url.PathEscape(name)
}

func newCreateRegionCmd() *cobra.Command {
	var (
		req        RegionRequest
		redundancy int
		persistent bool
		members    []string
		proxies    []string
	)
	cmd := &cobra.Command{
		Use:   "create-region NAME",
		Short: "Create a partitioned region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if cmd.Flags().Changed("redundancy") {
				req.RedundantCopies = &redundancy
			}
			if cmd.Flags().Changed("persistent") {
				req.Persistent = &persistent
			}
			for _, id := range members {
				req.Members = append(req.Members, cluster.MemberID(id))
			}
			for _, id := range proxies {
				req.ProxyMembers = append(req.ProxyMembers, cluster.MemberID(id))
			}

			u, err := serverURL(cmd, "/regions")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			var info RegionInfo
			if err := cluster.PostJSON(ctx, u, req, &info); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().IntVar(&req.TotalNumBuckets, "buckets", 0, "total number of buckets (default from config)")
	cmd.Flags().IntVar(&redundancy, "redundancy", 0, "redundant copies (default from config)")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "keep buckets in the disk store")
	cmd.Flags().StringVar(&req.ColocatedWith, "colocated-with", "", "region whose buckets this region follows")
	cmd.Flags().StringSliceVar(&members, "members", nil, "data store members (default all)")
	cmd.Flags().StringSliceVar(&proxies, "proxies", nil, "proxy members")
	return cmd
}

func newListRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-regions",
		Short: "List regions and their bucket assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := serverURL(cmd, "/regions")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			var out []RegionInfo
			if err := cluster.GetJSON(ctx, u, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newCreateIndexCmd() *cobra.Command {
	var def index.Definition
	cmd := &cobra.Command{
		Use:   "create-index NAME",
		Short: "Create an index on every member hosting its region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def.Name = args[0]
			u, err := serverURL(cmd, "/indexes")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			var out []MemberIndexes
			if err := cluster.PostJSON(ctx, u, def, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&def.RegionPath, "region", "", "path of the indexed region")
	cmd.Flags().StringSliceVar(&def.Fields, "field", nil, "indexed fields (default all)")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newDestroyIndexCmd() *cobra.Command {
	var regionPath string
	cmd := &cobra.Command{
		Use:   "destroy-index NAME",
		Short: "Destroy an index on every member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := serverURL(cmd, indexPath(regionPath, args[0]))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := cluster.DeleteJSON(ctx, u, nil); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "index %s destroyed\n", index.UniqueIndexName(args[0], regionPath))
			return err
		},
	}
	cmd.Flags().StringVar(&regionPath, "region", "", "path of the indexed region")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newListIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-indexes",
		Short: "Describe the index storage of every member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := serverURL(cmd, "/indexes")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			var out []MemberIndexes
			if err := cluster.GetJSON(ctx, u, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSearchCmd() *cobra.Command {
	var regionPath, field, term string
	cmd := &cobra.Command{
		Use:   "search NAME",
		Short: "Search an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("field", field)
			q.Set("term", term)
			u, err := serverURL(cmd, indexPath(regionPath, args[0])+"/search?"+q.Encode())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			var out SearchResult
			if err := cluster.GetJSON(ctx, u, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&regionPath, "region", "", "path of the indexed region")
	cmd.Flags().StringVar(&field, "field", "value", "document field")
	cmd.Flags().StringVar(&term, "term", "", "substring to look for")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}
