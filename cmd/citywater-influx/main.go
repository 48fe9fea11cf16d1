package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/citywater/citywater/pkg/city4u"
	"github.com/citywater/citywater/pkg/sensor"
	"github.com/citywater/citywater/pkg/types"
	"github.com/influxdata/telegraf/metric"
	"github.com/influxdata/telegraf/plugins/serializers/influx"
)

const usage = `
Pulls the water consumption history for a single meter from the City4U API
and prints it in the influx line protocol on stdout. To log in,
'CITY4U_USERNAME' and 'CITY4U_PASSWORD' need to be set in the environment.

All metrics have a single value 'value' (cumulative consumption in m3) and
are tagged with:
- the municipality's customer id as 'customerID'
- the meter number as 'meterNumber'
- the water card id as 'propertyID', when present
- the site reference as 'siteID', when present

The timestamp is the meter reading time, normalized to UTC. Readings with
an unparseable value or timestamp are skipped.
`

func main() {
	var customerID, meterNumber, metricName string

	flag.StringVar(&customerID, "customerID", "", "municipality customer id")
	flag.StringVar(&meterNumber, "meterNumber", "", "water meter number")
	flag.StringVar(&metricName, "metricName", "citywater", "name of the metric")

	flag.Usage = func(orgUsage func()) func() {
		return func() {
			orgUsage()
			out := flag.CommandLine.Output()
			fmt.Fprint(out, usage)
		}
	}(flag.Usage)

	flag.Parse()
	if customerID == "" || meterNumber == "" {
		flag.Usage()
		os.Exit(1)
	}

	username, ok := os.LookupEnv("CITY4U_USERNAME")
	if !ok {
		panic("CITY4U_USERNAME not set")
	}

	password, ok := os.LookupEnv("CITY4U_PASSWORD")
	if !ok {
		panic("CITY4U_PASSWORD not set")
	}

	ctx := context.Background()
	client := city4u.New(city4u.Config{}, types.Credentials{
		Username:    username,
		Password:    password,
		CustomerID:  customerID,
		MeterNumber: meterNumber,
	})
	if err := client.Authenticate(ctx); err != nil {
		panic(err)
	}

	snapshot, err := client.FetchAllHistorical(ctx)
	if err != nil {
		panic(err)
	}

	serializer := &influx.Serializer{}
	if err := serializer.Init(); err != nil {
		panic(err)
	}

	for _, reading := range snapshot {
		value, err := strconv.ParseFloat(reading.Consumption, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "## skipping reading with bad value %q\n", reading.Consumption)
			continue
		}
		ts, err := sensor.ParseReadingTime(reading.ReadingTime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "## skipping reading with bad timestamp %q\n", reading.ReadingTime)
			continue
		}

		tags := map[string]string{
			"customerID":  customerID,
			"meterNumber": meterNumber,
		}
		if reading.WaterCardID != "" {
			tags["propertyID"] = reading.WaterCardID
		}
		if reading.SiteReferenceID != "" {
			tags["siteID"] = reading.SiteReferenceID
		}

		m := metric.New(
			metricName,
			tags,
			map[string]any{
				"value": value,
			},
			ts,
		)

		if err := serializer.Write(os.Stdout, m); err != nil {
			panic(err)
		}
	}
}
