package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epidata-io/covid-etl/internal/country"
	"github.com/epidata-io/covid-etl/internal/model"
)

var countriesCmd = &cobra.Command{
	Use:   "countries",
	Short: "Manage the country reference registry",
}

var countriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List countries known to the database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		countries, err := st.Countries(ctx)
		if err != nil {
			return eris.Wrap(err, "countries list")
		}
		if len(countries) == 0 {
			fmt.Fprintln(os.Stderr, "No countries found. Run `covid-etl countries seed` first.")
			return nil
		}

		formatCountries(os.Stdout, countries)
		return nil
	},
}

var countriesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the embedded country registry into the database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reg, err := country.NewRegistry()
		if err != nil {
			return err
		}

		n, err := st.UpsertCountries(ctx, reg.Countries())
		if err != nil {
			return eris.Wrap(err, "countries seed")
		}
		zap.L().Info("registry seeded", zap.Int64("countries", n))
		return nil
	},
}

var countriesAddAliasCmd = &cobra.Command{
	Use:   "add-alias <alias> <country-code>",
	Short: "Map a source spelling to a canonical country code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		alias, code := args[0], args[1]

		reg, err := country.NewRegistry()
		if err != nil {
			return err
		}
		if _, ok := reg.Get(code); !ok {
			return eris.Errorf("unknown country code %q", code)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.AddAlias(ctx, alias, code); err != nil {
			return err
		}
		zap.L().Info("alias added",
			zap.String("alias", alias),
			zap.String("country_code", code))
		return nil
	},
}

var countriesImportPopulationCmd = &cobra.Command{
	Use:   "import-population <workbook.xlsx>",
	Short: "Import population figures from a reference workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		reg, err := country.NewRegistry()
		if err != nil {
			return err
		}

		result, err := reg.ImportPopulationXLSX(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if _, err := st.UpsertCountries(ctx, reg.Countries()); err != nil {
			return eris.Wrap(err, "persist populations")
		}

		zap.L().Info("population import complete",
			zap.Int("updated", result.Updated),
			zap.Int("unresolved", len(result.Unresolved)))
		for _, name := range result.Unresolved {
			fmt.Fprintf(os.Stderr, "unresolved: %s\n", name)
		}
		return nil
	},
}

func formatCountries(out io.Writer, countries []model.Country) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tNAME\tCONTINENT\tPOPULATION")
	for _, c := range countries {
		pop := ""
		if c.Population != nil {
			pop = fmt.Sprintf("%d", *c.Population)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Code, c.Name, c.Continent, pop)
	}
	_ = w.Flush()
}

func init() {
	countriesCmd.AddCommand(countriesListCmd)
	countriesCmd.AddCommand(countriesSeedCmd)
	countriesCmd.AddCommand(countriesAddAliasCmd)
	countriesCmd.AddCommand(countriesImportPopulationCmd)
	rootCmd.AddCommand(countriesCmd)
}
