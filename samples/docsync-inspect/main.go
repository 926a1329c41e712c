// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// docsync-inspect prints what a client has persisted in a store: the owner
// lease, the pending write batches of each user, the listen targets and the
// cached backend documents. Run it against a store no client has open.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"docsync.dev/localstore"
	"docsync.dev/model"
	"docsync.dev/persistence"
	"github.com/google/subcommands"

	// Register the store URL schemes.
	_ "docsync.dev/persistence/memkv"
)

const helpSuffix = `

  Store URLs look like file:///path/to/client.img, with ?compress=zstd for a
  compressed image.
`

func main() {
	os.Exit(run())
}

func run() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&leaseCmd{out: os.Stdout}, "")
	subcommands.Register(&batchesCmd{out: os.Stdout}, "")
	subcommands.Register(&targetsCmd{out: os.Stdout}, "")
	subcommands.Register(&docsCmd{out: os.Stdout}, "")
	log.SetFlags(0)
	log.SetPrefix("docsync-inspect: ")
	flag.Parse()
	return int(subcommands.Execute(context.Background()))
}

// inspect opens the store at the only argument of f and calls print with it.
func inspect(ctx context.Context, f *flag.FlagSet, print func(context.Context, persistence.Store) error) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	store, err := persistence.OpenStore(ctx, f.Arg(0))
	if err != nil {
		log.Printf("Failed to open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer store.Close()
	if err := print(ctx, store); err != nil {
		log.Printf("Failed to read store: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type leaseCmd struct {
	out    io.Writer
	maxAge time.Duration
	now    func() time.Time
}

func (*leaseCmd) Name() string     { return "lease" }
func (*leaseCmd) Synopsis() string { return "Show which client owns a store" }
func (*leaseCmd) Usage() string {
	return `lease [-max-age <duration>] <store URL>

  Print the owner lease of <store URL> and whether it has expired.

  Example:
    docsync-inspect lease file:///tmp/client.img` + helpSuffix
}

func (c *leaseCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.maxAge, "max-age", persistence.DefaultLeaseMaxAge, "how long a lease stays valid without refresh")
}

func (c *leaseCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return inspect(ctx, f, c.print)
}

func (c *leaseCmd) print(ctx context.Context, store persistence.Store) error {
	l, err := persistence.ReadLease(ctx, store)
	if err != nil {
		return err
	}
	if l == nil {
		fmt.Fprintln(c.out, "no owner")
		return nil
	}
	now := time.Now()
	if c.now != nil {
		now = c.now()
	}
	refreshed := time.UnixMilli(l.LeaseTimestampMs).UTC()
	age := now.Sub(refreshed)
	state := "valid"
	if age > c.maxAge {
		state = "expired"
	}
	fmt.Fprintf(c.out, "owner %s\nrefreshed %s (%s ago, %s)\n", l.OwnerID, refreshed.Format(time.RFC3339), age.Round(time.Millisecond), state)
	return nil
}

type batchesCmd struct {
	out  io.Writer
	user string
}

func (*batchesCmd) Name() string     { return "batches" }
func (*batchesCmd) Synopsis() string { return "List the pending write batches of a store" }
func (*batchesCmd) Usage() string {
	return `batches [-user <uid>] <store URL>

  List the write batches in <store URL> the backend has not acknowledged,
  grouped by user. The unauthenticated user has an empty uid.

  Example:
    docsync-inspect batches -user alice file:///tmp/client.img` + helpSuffix
}

func (c *batchesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "only list the batches of this user")
}

func (c *batchesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	userSet := false
	f.Visit(func(fl *flag.Flag) { userSet = userSet || fl.Name == "user" })
	return inspect(ctx, f, func(ctx context.Context, store persistence.Store) error {
		return c.print(ctx, store, userSet)
	})
}

func (c *batchesCmd) print(ctx context.Context, store persistence.Store, filter bool) error {
	queues, err := localstore.ReadMutationQueues(ctx, store)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if filter && q.UserID != c.user {
			continue
		}
		fmt.Fprintf(c.out, "user %q: acknowledged through batch %d, %d pending\n", q.UserID, q.LastAcknowledgedBatchID, len(q.Batches))
		for _, b := range q.Batches {
			fmt.Fprintf(c.out, "  batch %d written %s\n", b.BatchID, b.LocalWriteTime)
			for _, m := range b.Mutations {
				fmt.Fprintf(c.out, "    %s\n", m)
			}
		}
	}
	return nil
}

type targetsCmd struct {
	out io.Writer
}

func (*targetsCmd) Name() string     { return "targets" }
func (*targetsCmd) Synopsis() string { return "List the listen targets persisted in a store" }
func (*targetsCmd) Usage() string {
	return `targets <store URL>

  List the queries <store URL> has listened to, with the snapshot version and
  resume token each would resume from.` + helpSuffix
}

func (*targetsCmd) SetFlags(_ *flag.FlagSet) {}

func (c *targetsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return inspect(ctx, f, c.print)
}

func (c *targetsCmd) print(ctx context.Context, store persistence.Store) error {
	sum, err := localstore.ReadTargets(ctx, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "highest target id %d, last remote version %s\n", sum.HighestTargetID, sum.LastRemoteSnapshotVersion)
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUERY\tVERSION\tRESUME TOKEN")
	for _, td := range sum.Targets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d bytes\n", td.TargetID, td.Query.CanonicalID(), td.SnapshotVersion, len(td.ResumeToken))
	}
	return w.Flush()
}

type docsCmd struct {
	out    io.Writer
	prefix string
}

func (*docsCmd) Name() string     { return "docs" }
func (*docsCmd) Synopsis() string { return "List the backend documents cached in a store" }
func (*docsCmd) Usage() string {
	return `docs [-prefix <path>] <store URL>

  List the cached backend state of the documents in <store URL>. Local writes
  are not applied; see the batches command for those.

  Example:
    docsync-inspect docs -prefix rooms file:///tmp/client.img` + helpSuffix
}

func (c *docsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.prefix, "prefix", "", "only list documents under this path")
}

func (c *docsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return inspect(ctx, f, c.print)
}

func (c *docsCmd) print(ctx context.Context, store persistence.Store) error {
	docs, err := localstore.ReadRemoteDocuments(ctx, store, model.ParseResourcePath(c.prefix))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVERSION\tDATA")
	for _, doc := range docs {
		var data string
		switch d := doc.(type) {
		case *model.Document:
			data = d.Data().String()
		case *model.NoDocument:
			data = "(deleted)"
		default:
			data = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", doc.Key(), doc.Version(), data)
	}
	return w.Flush()
}
