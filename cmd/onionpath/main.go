package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ligun0805/onionpath/pkg/client"
	"github.com/ligun0805/onionpath/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] <url>\n", os.Args[0])
		os.Exit(2)
	}
	url := flag.Arg(0)

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	c := client.New(cfg)
	defer c.Close()

	if err := c.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}

	body, err := c.Fetch(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch %s: %v\n", url, err)
		os.Exit(1)
	}

	fmt.Println(string(body[:min(len(body), 2000)]))
}
