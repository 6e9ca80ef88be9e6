package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/nyan233/cowbt"
)

func main() {
	err := os.MkdirAll("dbset", 0755)
	if err != nil {
		panic(err)
	}
	// create file with path is dbset/quick_start, formatted on first open
	root, err := cowbt.Open("dbset/quick_start", cowbt.Options{BlockSize: 4096})
	if err != nil {
		panic(err)
	}
	// begin tx, write data
	// logic exec success after auto commit
	err = root.Update(func(tx *cowbt.Tx) error {
		for i := uint64(0); i < 64; i++ {
			key := cowbt.Key{ObjectID: i, Type: cowbt.StringItemKey}
			err := tx.Insert(key, []byte(strconv.FormatUint(rand.Uint64(), 10)))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("write tx err:%v", err))
	}
	// read the committed tree
	err = root.View(func(tx *cowbt.Tx) error {
		for i := 0; i < 8; i++ {
			k := cowbt.Key{ObjectID: rand.Uint64N(64), Type: cowbt.StringItemKey}
			v, err := tx.Get(k)
			if err != nil {
				return fmt.Errorf("get %v: %w", k, err)
			}
			fmt.Printf("tree.getVal key=%v, val=%s\n", k, v)
		}
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("read tx err:%v", err))
	}
	err = root.Dump(&cowbt.Dumper{Out: os.Stdout, Color: true})
	if err != nil {
		panic(err)
	}
	err = root.Close()
	if err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
