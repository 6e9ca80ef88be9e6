package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/go-faker/faker/v4"

	"github.com/nyan233/cowbt"
)

var (
	dbPath         *string
	blockSize      *int
	seedNumRecords *int
	verbose        *bool
)

func main() {
	setupFlags()
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	root, err := cowbt.Open(*dbPath, cowbt.Options{
		BlockSize: *blockSize,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})
	if err != nil {
		log.Fatal(err)
	}
	err = run(root, args[0], args[1:])
	if cerr := root.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run(root *cowbt.Root, cmd string, args []string) error {
	switch cmd {
	case "mkfs":
		sb := root.Superblock()
		fmt.Printf("block size %d generation %d root %d level %d total blocks %d\n",
			sb.BlockSize, sb.Generation, sb.Root, sb.RootLevel, sb.TotalBlocks)
		return nil
	case "dump":
		return root.Dump(&cowbt.Dumper{Out: color.Output, Color: !color.NoColor})
	case "check":
		if err := root.Check(); err != nil {
			return err
		}
		color.Green("tree ok, generation %d", root.Superblock().Generation)
		return nil
	case "insert":
		if len(args) != 4 {
			return errors.New("usage: insert <objectid> <type> <offset> <data>")
		}
		key, err := parseKey(args[:3])
		if err != nil {
			return err
		}
		return root.Update(func(tx *cowbt.Tx) error {
			return tx.Insert(key, []byte(args[3]))
		})
	case "lookup":
		key, err := parseKey(args)
		if err != nil {
			return err
		}
		data, err := root.Get(key)
		if err != nil {
			return err
		}
		fmt.Println(cowbt.DefaultFormatter.FormatItem(key, data))
		return nil
	case "delete":
		key, err := parseKey(args)
		if err != nil {
			return err
		}
		return root.Update(func(tx *cowbt.Tx) error {
			return tx.Delete(key)
		})
	case "seed":
		return seedDatabaseWithTestRecords(root)
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func parseKey(args []string) (cowbt.Key, error) {
	if len(args) != 3 {
		return cowbt.Key{}, errors.New("key needs <objectid> <type> <offset>")
	}
	oid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return cowbt.Key{}, fmt.Errorf("objectid: %w", err)
	}
	typ, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return cowbt.Key{}, fmt.Errorf("type: %w", err)
	}
	off, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return cowbt.Key{}, fmt.Errorf("offset: %w", err)
	}
	return cowbt.Key{ObjectID: oid, Type: uint8(typ), Offset: off}, nil
}

// seedDatabaseWithTestRecords appends string items after the current
// highest object id, one transaction for the whole batch.
func seedDatabaseWithTestRecords(root *cowbt.Root) error {
	var next uint64
	err := root.View(func(tx *cowbt.Tx) error {
		k, err := tx.MaxKey()
		if errors.Is(err, cowbt.ErrNotFound) {
			return nil
		}
		next = k.ObjectID + 1
		return err
	})
	if err != nil {
		return err
	}
	err = root.Update(func(tx *cowbt.Tx) error {
		for i := 0; i < *seedNumRecords; i++ {
			key := cowbt.Key{ObjectID: next + uint64(i), Type: cowbt.StringItemKey}
			if err := tx.Insert(key, []byte(faker.Word()+" "+faker.Word())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	st := root.Stat()
	fmt.Printf("seeded %d records, commit took %v, %d blocks written\n", *seedNumRecords, st.TxCommitSumTs, st.BlockWrite)
	return nil
}

func setupFlags() {
	dbPath = flag.String("db", "cowbt.img", "Path of the tree image, created and formatted when missing.")
	blockSize = flag.Int("bs", 0, "Block size used when formatting, defaults to the OS page size.")
	seedNumRecords = flag.Int("records", 1000, "Amount of records the seed command inserts, created with go-faker.")
	verbose = flag.Bool("v", false, "Log transactions and free list activity to stderr.")
	flag.Usage = func() {
		fmt.Println("\ncowbt <flags> mkfs|dump|check|insert|lookup|delete|seed [args]\n\nArguments:")
		flag.PrintDefaults()
	}
	flag.Parse()
}
