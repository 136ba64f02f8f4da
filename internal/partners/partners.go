// Package partners keeps the customer and supplier directories that sales
// orders, quotations and purchase orders point at.
package partners

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workcell/internal/apperr"
	"workcell/internal/database"
	"workcell/internal/models"
	"workcell/internal/validation"
)

var (
	ErrCustomerNotFound = fmt.Errorf("%w: customer", apperr.ErrNotFound)
	ErrSupplierNotFound = fmt.Errorf("%w: supplier", apperr.ErrNotFound)
	ErrInUse            = fmt.Errorf("%w: still referenced", apperr.ErrConflict)
)

const maxLeadTimeDays = 365

const customerColumns = `customer_id, company_name, contact_name, email, phone, shipping_address,
	shipping_address_city, shipping_address_state, shipping_address_zip, notes, created_at`

const supplierColumns = `supplier_id, company_name, contact_name, email, phone, address, lead_time_days, notes, created_at`

func validateContact(ve *validation.ValidationErrors, company, contact, email, phone, notes string) {
	validation.RequireField(ve, "company_name", company)
	validation.ValidateMaxLength(ve, "company_name", company, 255)
	validation.ValidateMaxLength(ve, "contact_name", contact, 255)
	validation.ValidateMaxLength(ve, "phone", phone, 50)
	validation.ValidateMaxLength(ve, "notes", notes, validation.MaxStringLength)
	validation.ValidateEmail(ve, "email", email)
}

// ListCustomers returns every customer by company name.
func ListCustomers(ctx context.Context, q database.Querier) ([]models.Customer, error) {
	cs := []models.Customer{}
	err := database.Select(ctx, q, &cs, `SELECT `+customerColumns+` FROM customers ORDER BY company_name, customer_id`)
	return cs, err
}

func GetCustomer(ctx context.Context, q database.Querier, id int64) (*models.Customer, error) {
	var c models.Customer
	err := database.Get(ctx, q, &c, `SELECT `+customerColumns+` FROM customers WHERE customer_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrCustomerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func validateCustomer(c *models.Customer) error {
	c.CompanyName = strings.TrimSpace(c.CompanyName)
	ve := &validation.ValidationErrors{}
	validateContact(ve, c.CompanyName, c.ContactName, c.Email, c.Phone, c.Notes)
	validation.ValidateMaxLength(ve, "shipping_address", c.ShippingAddress, 1000)
	return ve.Err()
}

func CreateCustomer(ctx context.Context, q database.Querier, c models.Customer) (*models.Customer, error) {
	if err := validateCustomer(&c); err != nil {
		return nil, err
	}
	id, err := database.Insert(ctx, q, `INSERT INTO customers (company_name, contact_name, email, phone, shipping_address,
		shipping_address_city, shipping_address_state, shipping_address_zip, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING customer_id`,
		c.CompanyName, c.ContactName, c.Email, c.Phone, c.ShippingAddress,
		c.ShippingAddressCity, c.ShippingAddressState, c.ShippingAddressZip, c.Notes, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return GetCustomer(ctx, q, id)
}

// UpdateCustomer replaces every writable field.
func UpdateCustomer(ctx context.Context, q database.Querier, id int64, c models.Customer) (*models.Customer, error) {
	if err := validateCustomer(&c); err != nil {
		return nil, err
	}
	if _, err := GetCustomer(ctx, q, id); err != nil {
		return nil, err
	}
	_, err := database.Exec(ctx, q, `UPDATE customers SET company_name = ?, contact_name = ?, email = ?, phone = ?,
		shipping_address = ?, shipping_address_city = ?, shipping_address_state = ?, shipping_address_zip = ?, notes = ?
		WHERE customer_id = ?`,
		c.CompanyName, c.ContactName, c.Email, c.Phone, c.ShippingAddress,
		c.ShippingAddressCity, c.ShippingAddressState, c.ShippingAddressZip, c.Notes, id)
	if err != nil {
		return nil, err
	}
	return GetCustomer(ctx, q, id)
}

// DeleteCustomer refuses while a sales order or quotation names the customer.
func DeleteCustomer(ctx context.Context, q database.Querier, id int64) error {
	c, err := GetCustomer(ctx, q, id)
	if err != nil {
		return err
	}
	var n int
	if err := database.Get(ctx, q, &n, `SELECT (SELECT COUNT(*) FROM sales_orders WHERE customer_id = ?)
		+ (SELECT COUNT(*) FROM quotations WHERE customer_id = ?)`, id, id); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s has %d orders or quotations", ErrInUse, c.CompanyName, n)
	}
	_, err = database.Exec(ctx, q, `DELETE FROM customers WHERE customer_id = ?`, id)
	return err
}

// ListSuppliers returns every supplier by company name.
func ListSuppliers(ctx context.Context, q database.Querier) ([]models.Supplier, error) {
	ss := []models.Supplier{}
	err := database.Select(ctx, q, &ss, `SELECT `+supplierColumns+` FROM suppliers ORDER BY company_name, supplier_id`)
	return ss, err
}

func GetSupplier(ctx context.Context, q database.Querier, id int64) (*models.Supplier, error) {
	var s models.Supplier
	err := database.Get(ctx, q, &s, `SELECT `+supplierColumns+` FROM suppliers WHERE supplier_id = ?`, id)
	if database.IsNoRows(err) {
		return nil, fmt.Errorf("%w %d", ErrSupplierNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func validateSupplier(s *models.Supplier) error {
	s.CompanyName = strings.TrimSpace(s.CompanyName)
	ve := &validation.ValidationErrors{}
	validateContact(ve, s.CompanyName, s.ContactName, s.Email, s.Phone, s.Notes)
	validation.ValidateMaxLength(ve, "address", s.Address, 1000)
	if s.LeadTimeDays < 0 || s.LeadTimeDays > maxLeadTimeDays {
		ve.Add("lead_time_days", fmt.Sprintf("must be between 0 and %d", maxLeadTimeDays))
	}
	return ve.Err()
}

func CreateSupplier(ctx context.Context, q database.Querier, s models.Supplier) (*models.Supplier, error) {
	if err := validateSupplier(&s); err != nil {
		return nil, err
	}
	id, err := database.Insert(ctx, q, `INSERT INTO suppliers (company_name, contact_name, email, phone, address,
		lead_time_days, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING supplier_id`,
		s.CompanyName, s.ContactName, s.Email, s.Phone, s.Address, s.LeadTimeDays, s.Notes, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert supplier: %w", err)
	}
	return GetSupplier(ctx, q, id)
}

// UpdateSupplier replaces every writable field.
func UpdateSupplier(ctx context.Context, q database.Querier, id int64, s models.Supplier) (*models.Supplier, error) {
	if err := validateSupplier(&s); err != nil {
		return nil, err
	}
	if _, err := GetSupplier(ctx, q, id); err != nil {
		return nil, err
	}
	_, err := database.Exec(ctx, q, `UPDATE suppliers SET company_name = ?, contact_name = ?, email = ?, phone = ?,
		address = ?, lead_time_days = ?, notes = ? WHERE supplier_id = ?`,
		s.CompanyName, s.ContactName, s.Email, s.Phone, s.Address, s.LeadTimeDays, s.Notes, id)
	if err != nil {
		return nil, err
	}
	return GetSupplier(ctx, q, id)
}

// DeleteSupplier refuses while a purchase order names the supplier.
func DeleteSupplier(ctx context.Context, q database.Querier, id int64) error {
	s, err := GetSupplier(ctx, q, id)
	if err != nil {
		return err
	}
	var n int
	if err := database.Get(ctx, q, &n, `SELECT COUNT(*) FROM purchase_orders WHERE supplier_id = ?`, id); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s has %d purchase orders", ErrInUse, s.CompanyName, n)
	}
	_, err = database.Exec(ctx, q, `DELETE FROM suppliers WHERE supplier_id = ?`, id)
	return err
}
